package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jkatigb/storai-app/internal/model"
	"github.com/jkatigb/storai-app/internal/volc"
)

var defaultSectionNames = []string{"Beginning", "Middle", "End", "Epilogue"}

// TemplateAdapter 不调用模型，按模板生成确定内容，用于mock模式和测试
type TemplateAdapter struct {
	// SectionCount 大纲章节数，0为3
	SectionCount int
	// ScenesPerSection 每章场景数，0为2
	ScenesPerSection int
}

func (a TemplateAdapter) Generate(ctx context.Context, kind Kind, in Input) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out any
	switch v := in.(type) {
	case SynopsisInput:
		out = a.synopsis(v)
	case OutlineInput:
		out = a.outline(v)
	case EnhanceOutlineInput:
		out = a.enhance(v)
	case DevelopSectionInput:
		out = a.develop(v)
	case ImageDescriptionInput:
		out = ImageDescriptionOutput{
			Prompt: fmt.Sprintf("Bright cartoon children's illustration, %s: %s", v.Scene.Setting, v.Scene.Text),
		}
	case ImageInput:
		out = ImageOutput{URL: volc.MockImageURL()}
	default:
		return nil, fmt.Errorf("%w: %s input %T", ErrUnsupportedKind, kind, in)
	}
	return json.Marshal(out)
}

func (a TemplateAdapter) synopsis(in SynopsisInput) SynopsisOutput {
	p := in.Parameters
	hero := "our friends"
	if len(p.Characters) > 0 {
		hero = p.Characters[0].Name
	}
	theme := "adventure"
	if len(p.Themes) > 0 {
		theme = p.Themes[0]
	}
	text := fmt.Sprintf("In %s, %s sets out on a %s story about %s and learns to %s.",
		orDefault(p.Setting, "a faraway land"), hero, orDefault(p.Tone, "gentle"), strings.Join(p.Themes, " and "), p.Moral)
	if in.Feedback != "" {
		text += " Revised: " + in.Feedback
	}
	return SynopsisOutput{Title: fmt.Sprintf("%s and the Story of %s", hero, titleCase(theme)), Synopsis: text}
}

func (a TemplateAdapter) outline(in OutlineInput) OutlineOutput {
	n := a.SectionCount
	if n <= 0 {
		n = 3
	}
	sections := make([]model.Section, 0, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("Part %d", i+1)
		if i < len(defaultSectionNames) {
			name = defaultSectionNames[i]
		}
		sections = append(sections, model.Section{
			Name:             name,
			Outline:          fmt.Sprintf("%s of the story about %s.", name, strings.Join(in.Parameters.Themes, " and ")),
			MoralIntegration: fmt.Sprintf("Shows why it matters to %s.", in.Parameters.Moral),
			Scenes:           []model.Scene{},
		})
	}
	return OutlineOutput{Title: "Untitled", Sections: sections}
}

func (a TemplateAdapter) enhance(in EnhanceOutlineInput) OutlineOutput {
	sections := make([]model.Section, len(in.Sections))
	for i, s := range in.Sections {
		s.Outline = strings.TrimSpace(s.Outline + " It ends with a question that leads into the next part.")
		if s.MoralIntegration == "" {
			s.MoralIntegration = fmt.Sprintf("Shows why it matters to %s.", in.Parameters.Moral)
		}
		s.Scenes = []model.Scene{}
		sections[i] = s
	}
	return OutlineOutput{Title: in.Title, Sections: sections}
}

func (a TemplateAdapter) develop(in DevelopSectionInput) SectionOutput {
	n := a.ScenesPerSection
	if n <= 0 {
		n = 2
	}
	names := make([]string, 0, len(in.Parameters.Characters))
	for _, c := range in.Parameters.Characters {
		names = append(names, c.Name)
	}
	scenes := make([]model.Scene, 0, n)
	for i := 0; i < n; i++ {
		text := fmt.Sprintf("Scene %d of %s: %s", i+1, in.Section.Name, in.Section.Outline)
		if in.Feedback != "" {
			text += " (" + in.Feedback + ")"
		}
		scenes = append(scenes, model.Scene{
			Setting:    orDefault(in.Parameters.Setting, "a faraway land"),
			Characters: append([]string(nil), names...),
			Text:       text,
		})
	}
	return SectionOutput{Scenes: scenes}
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
