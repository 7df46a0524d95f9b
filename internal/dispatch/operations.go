package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jkatigb/storai-app/internal/model"
	"github.com/jkatigb/storai-app/internal/story"
)

var ErrInvalidPayload = errors.New("invalid task parameters")

// OutlinePayload synopsis和outline任务的参数：故事参数，outline可附带已有概要
type OutlinePayload struct {
	model.StoryParameters
	Synopsis string `json:"synopsis,omitempty"`
}

// EnhanceOutlinePayload 待完善的大纲
type EnhanceOutlinePayload struct {
	Parameters model.StoryParameters `json:"parameters"`
	Title      string                `json:"title"`
	Sections   []model.Section       `json:"sections"`
}

// DevelopSectionPayload 章节展开参数
type DevelopSectionPayload struct {
	SectionName       string                `json:"section_name"`
	SectionOutline    string                `json:"section_outline"`
	AdditionalContext map[string]string     `json:"additional_context,omitempty"`
	Parameters        model.StoryParameters `json:"parameters"`
}

// ImageDescriptionPayload 场景插图描述参数
type ImageDescriptionPayload struct {
	Scene           model.Scene           `json:"scene"`
	StoryParameters model.StoryParameters `json:"story_parameters"`
}

// ImagePayload 图片生成参数
type ImagePayload struct {
	ImagePrompt string `json:"image_prompt"`
}

// ImageDescriptionResult / ImageResult 简单字符串结果的包装
type ImageDescriptionResult struct {
	ImagePrompt string `json:"image_prompt"`
}

type ImageResult struct {
	ImageURL string `json:"image_url"`
}

type SectionResult struct {
	SectionName string        `json:"section_name"`
	Scenes      []model.Scene `json:"scenes"`
}

// NewOperations 把每种任务类型绑定到对应的生成阶段
func NewOperations(stages *story.Stages) Operations {
	return Operations{
		TaskSynopsis: func(ctx context.Context, userID string, params json.RawMessage) (any, error) {
			p, err := decode[OutlinePayload](params)
			if err != nil {
				return nil, err
			}
			if err := p.Validate(); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
			}
			return stages.Synopsis(ctx, p.StoryParameters, "")
		},
		TaskOutline: func(ctx context.Context, userID string, params json.RawMessage) (any, error) {
			p, err := decode[OutlinePayload](params)
			if err != nil {
				return nil, err
			}
			if err := p.Validate(); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
			}
			return stages.Outline(ctx, p.StoryParameters, p.Synopsis, "")
		},
		TaskEnhanceOutline: func(ctx context.Context, userID string, params json.RawMessage) (any, error) {
			p, err := decode[EnhanceOutlinePayload](params)
			if err != nil {
				return nil, err
			}
			return stages.EnhanceOutline(ctx, p.Parameters, p.Title, p.Sections)
		},
		TaskDevelopSection: func(ctx context.Context, userID string, params json.RawMessage) (any, error) {
			p, err := decode[DevelopSectionPayload](params)
			if err != nil {
				return nil, err
			}
			if p.SectionName == "" {
				return nil, fmt.Errorf("%w: section_name is required", ErrInvalidPayload)
			}
			section := model.Section{Name: p.SectionName, Outline: p.SectionOutline}
			scenes, err := stages.DevelopSection(ctx, p.Parameters, section, p.AdditionalContext, "")
			if err != nil {
				return nil, err
			}
			return SectionResult{SectionName: p.SectionName, Scenes: scenes}, nil
		},
		TaskGenerateImageDescription: func(ctx context.Context, userID string, params json.RawMessage) (any, error) {
			p, err := decode[ImageDescriptionPayload](params)
			if err != nil {
				return nil, err
			}
			prompt, err := stages.DescribeImage(ctx, p.StoryParameters, p.Scene)
			if err != nil {
				return nil, err
			}
			return ImageDescriptionResult{ImagePrompt: prompt}, nil
		},
		TaskGenerateImage: func(ctx context.Context, userID string, params json.RawMessage) (any, error) {
			p, err := decode[ImagePayload](params)
			if err != nil {
				return nil, err
			}
			if p.ImagePrompt == "" {
				return nil, fmt.Errorf("%w: image_prompt is required", ErrInvalidPayload)
			}
			url, err := stages.GenerateImage(ctx, p.ImagePrompt)
			if err != nil {
				return nil, err
			}
			return ImageResult{ImageURL: url}, nil
		},
	}
}

func decode[T any](params json.RawMessage) (T, error) {
	var v T
	if len(params) == 0 {
		return v, fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return v, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return v, nil
}
