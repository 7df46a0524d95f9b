package generation

import (
	"fmt"
	"strings"

	"github.com/jkatigb/storai-app/internal/model"
)

// Kind 生成阶段
type Kind string

const (
	KindSynopsis         Kind = "synopsis"
	KindOutline          Kind = "outline"
	KindEnhanceOutline   Kind = "enhance_outline"
	KindDevelopSection   Kind = "develop_section"
	KindImageDescription Kind = "image_description"
	KindImage            Kind = "image"
)

var Kinds = []Kind{
	KindSynopsis,
	KindOutline,
	KindEnhanceOutline,
	KindDevelopSection,
	KindImageDescription,
	KindImage,
}

func (k Kind) Valid() bool {
	for _, v := range Kinds {
		if k == v {
			return true
		}
	}
	return false
}

// Input 阶段输入，CacheKey为相似缓存做向量化的文本
type Input interface {
	CacheKey() string
}

// Scoped 缓存只在CacheScope完全一致的条目之间做相似匹配
type Scoped interface {
	CacheScope() string
}

// ScopeOf 没有实现Scoped的输入作用域为空
func ScopeOf(in Input) string {
	if s, ok := in.(Scoped); ok {
		return s.CacheScope()
	}
	return ""
}

type SynopsisInput struct {
	Parameters model.StoryParameters `json:"parameters"`
	Feedback   string                `json:"feedback,omitempty"`
}

func (in SynopsisInput) CacheKey() string {
	return withFeedback(in.Parameters.CanonicalText(), in.Feedback)
}

func (in SynopsisInput) CacheScope() string { return in.Parameters.CastText() }

type OutlineInput struct {
	Parameters model.StoryParameters `json:"parameters"`
	Synopsis   string                `json:"synopsis,omitempty"`
	Feedback   string                `json:"feedback,omitempty"`
}

// CacheKey 概要由参数生成，不参与键
func (in OutlineInput) CacheKey() string {
	return withFeedback(in.Parameters.CanonicalText(), in.Feedback)
}

func (in OutlineInput) CacheScope() string { return in.Parameters.CastText() }

type EnhanceOutlineInput struct {
	Parameters model.StoryParameters `json:"parameters"`
	Title      string                `json:"title,omitempty"`
	Sections   []model.Section       `json:"sections"`
}

func (in EnhanceOutlineInput) CacheKey() string {
	var b strings.Builder
	b.WriteString(in.Parameters.CanonicalText())
	for _, s := range in.Sections {
		fmt.Fprintf(&b, "\n%s: %s", s.Name, s.Outline)
	}
	return strings.ToLower(b.String())
}

func (in EnhanceOutlineInput) CacheScope() string { return in.Parameters.CastText() }

type DevelopSectionInput struct {
	Parameters model.StoryParameters `json:"parameters"`
	Section    model.Section         `json:"section"`
	Context    map[string]string     `json:"additional_context,omitempty"`
	Feedback   string                `json:"feedback,omitempty"`
}

func (in DevelopSectionInput) CacheKey() string {
	key := strings.TrimSpace(in.Parameters.CanonicalText() + "\n" + strings.ToLower(fmt.Sprintf("%s: %s", in.Section.Name, in.Section.Outline)))
	return withFeedback(key, in.Feedback)
}

// CacheScope 场景里写明了角色、地点和章节，这些不同的章节不能互相复用
func (in DevelopSectionInput) CacheScope() string {
	return strings.ToLower(strings.TrimSpace(in.Section.Name)+"|"+strings.TrimSpace(in.Parameters.AgeRange)) + "|" + in.Parameters.CastText()
}

type ImageDescriptionInput struct {
	Parameters model.StoryParameters `json:"story_parameters"`
	Scene      model.Scene           `json:"scene"`
}

func (in ImageDescriptionInput) CacheKey() string {
	return strings.ToLower(in.Scene.Setting + "\n" + in.Scene.Text)
}

type ImageInput struct {
	Prompt string `json:"image_prompt"`
}

func (in ImageInput) CacheKey() string { return strings.ToLower(in.Prompt) }

func withFeedback(key, feedback string) string {
	if feedback = strings.TrimSpace(feedback); feedback == "" {
		return key
	}
	return key + "\nfeedback:" + strings.ToLower(feedback)
}

type SynopsisOutput struct {
	Title    string `json:"title"`
	Synopsis string `json:"synopsis"`
}

type OutlineOutput struct {
	Title    string          `json:"title"`
	Sections []model.Section `json:"sections"`
}

type SectionOutput struct {
	Scenes []model.Scene `json:"scenes"`
}

type ImageDescriptionOutput struct {
	Prompt string `json:"prompt"`
}

type ImageOutput struct {
	URL string `json:"url"`
}
