package model

import (
	"errors"
	"sort"
	"strings"
)

// Character 故事角色
type Character struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Role        string   `json:"role,omitempty"`
	Traits      []string `json:"traits,omitempty"`
}

// StoryParameters 故事生成参数，按内容判等，作为相似缓存的查询键
type StoryParameters struct {
	AgeRange              string      `json:"age_range"`
	Themes                []string    `json:"themes"`
	Moral                 string      `json:"moral"`
	Characters            []Character `json:"characters,omitempty"`
	Setting               string      `json:"story_setting,omitempty"`
	Tone                  string      `json:"tone,omitempty"`
	ParentalConcerns      []string    `json:"parental_concerns,omitempty"`
	InclusionAndDiversity string      `json:"inclusion_and_diversity,omitempty"`
	Ending                string      `json:"ending,omitempty"`
}

var (
	ErrMissingAgeRange = errors.New("age range required")
	ErrMissingThemes   = errors.New("at least one theme required")
)

// Validate 校验必填字段
func (p StoryParameters) Validate() error {
	if strings.TrimSpace(p.AgeRange) == "" {
		return ErrMissingAgeRange
	}
	for _, t := range p.Themes {
		if strings.TrimSpace(t) != "" {
			return nil
		}
	}
	return ErrMissingThemes
}

// topicWeight 主题和寓意在规范化文本中的重复次数
const topicWeight = 3

// CanonicalText 参数的规范化文本：小写、列表排序、不带字段名，主题和寓意加权
func (p StoryParameters) CanonicalText() string {
	names := make([]string, 0, len(p.Characters))
	for _, c := range p.Characters {
		names = append(names, strings.TrimSpace(c.Name+" "+c.Description))
	}
	parts := []string{p.AgeRange, joinSorted(names), p.Setting, p.Tone}
	if len(p.ParentalConcerns) > 0 {
		parts = append(parts, joinSorted(p.ParentalConcerns))
	}
	parts = append(parts, p.InclusionAndDiversity, p.Ending)
	topic := joinSorted(p.Themes) + "\n" + strings.TrimSpace(p.Moral)
	for i := 0; i < topicWeight; i++ {
		parts = append(parts, topic)
	}
	return strings.ToLower(strings.Join(nonEmpty(parts), "\n"))
}

// CastText 必须精确一致才能复用内容的部分：角色名和故事场景
func (p StoryParameters) CastText() string {
	names := make([]string, 0, len(p.Characters))
	for _, c := range p.Characters {
		names = append(names, c.Name)
	}
	return strings.ToLower(joinSorted(names) + "|" + strings.TrimSpace(p.Setting))
}

func nonEmpty(parts []string) []string {
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func joinSorted(items []string) string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	sort.Strings(out)
	return strings.Join(out, ", ")
}

// Scene 场景，生成后只允许回填图片字段
type Scene struct {
	Setting     string   `json:"setting"`
	Characters  []string `json:"characters"`
	Text        string   `json:"text"`
	ImagePrompt string   `json:"image_prompt,omitempty"`
	ImageURL    string   `json:"image_url,omitempty"`
}

// Section 故事章节，大纲生成时场景为空，章节展开后填充
type Section struct {
	Name             string  `json:"name"`
	Outline          string  `json:"outline"`
	MoralIntegration string  `json:"moral_integration,omitempty"`
	Scenes           []Scene `json:"scenes"`
}

// Developed 章节是否已展开
func (s Section) Developed() bool { return len(s.Scenes) > 0 }

// Story 故事结构
type Story struct {
	Title               string          `json:"title"`
	Parameters          StoryParameters `json:"parameters"`
	Synopsis            string          `json:"synopsis,omitempty"`
	Sections            []Section       `json:"sections"`
	CurrentSectionIndex int             `json:"current_section_index"`
}

// CurrentSection 当前活动章节，没有章节时返回nil
func (s *Story) CurrentSection() *Section {
	if s.CurrentSectionIndex < 0 || s.CurrentSectionIndex >= len(s.Sections) {
		return nil
	}
	return &s.Sections[s.CurrentSectionIndex]
}

// HasMoreSections 当前章节之后是否还有章节
func (s *Story) HasMoreSections() bool {
	return s.CurrentSectionIndex < len(s.Sections)-1
}

// Clone 深拷贝
func (s *Story) Clone() *Story {
	if s == nil {
		return nil
	}
	out := *s
	out.Parameters = s.Parameters.clone()
	if s.Sections != nil {
		out.Sections = make([]Section, len(s.Sections))
		for i, sec := range s.Sections {
			out.Sections[i] = sec
			if sec.Scenes != nil {
				out.Sections[i].Scenes = make([]Scene, len(sec.Scenes))
				for j, sc := range sec.Scenes {
					sc.Characters = append([]string(nil), sc.Characters...)
					out.Sections[i].Scenes[j] = sc
				}
			}
		}
	}
	return &out
}

func (p StoryParameters) clone() StoryParameters {
	out := p
	out.Themes = append([]string(nil), p.Themes...)
	out.ParentalConcerns = append([]string(nil), p.ParentalConcerns...)
	if p.Characters != nil {
		out.Characters = make([]Character, len(p.Characters))
		for i, c := range p.Characters {
			c.Traits = append([]string(nil), c.Traits...)
			out.Characters[i] = c
		}
	}
	return out
}
