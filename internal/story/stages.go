package story

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jkatigb/storai-app/internal/generation"
	"github.com/jkatigb/storai-app/internal/model"
)

var (
	ErrEmptySynopsis = errors.New("generated synopsis is empty")
	ErrEmptyOutline  = errors.New("generated outline has no sections")
	ErrEmptySection  = errors.New("developed section has no scenes")
	ErrEmptyImage    = errors.New("image generation returned no url")
)

const defaultImageConcurrency = 4

// Stages 各生成阶段，状态机和任务分发共用
type Stages struct {
	adapter          generation.Adapter
	timeout          time.Duration
	imageConcurrency int
	log              logrus.FieldLogger
}

// NewStages timeout为0时只受ctx约束
func NewStages(adapter generation.Adapter, timeout time.Duration, log logrus.FieldLogger) *Stages {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Stages{adapter: adapter, timeout: timeout, imageConcurrency: defaultImageConcurrency, log: log}
}

func run[O any](ctx context.Context, s *Stages, kind generation.Kind, in generation.Input) (O, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	start := time.Now()
	out, err := generation.Run[O](ctx, s.adapter, kind, in)
	entry := s.log.WithFields(logrus.Fields{"kind": kind, "elapsed": time.Since(start).Round(time.Millisecond)})
	if err != nil {
		entry.WithError(err).Warn("stage generation failed")
		return out, fmt.Errorf("%s: %w", kind, err)
	}
	entry.Debug("stage generated")
	return out, nil
}

func (s *Stages) Synopsis(ctx context.Context, params model.StoryParameters, feedback string) (generation.SynopsisOutput, error) {
	out, err := run[generation.SynopsisOutput](ctx, s, generation.KindSynopsis, generation.SynopsisInput{Parameters: params, Feedback: feedback})
	if err != nil {
		return out, err
	}
	if strings.TrimSpace(out.Synopsis) == "" {
		return out, ErrEmptySynopsis
	}
	return out, nil
}

func (s *Stages) Outline(ctx context.Context, params model.StoryParameters, synopsis, feedback string) (generation.OutlineOutput, error) {
	out, err := run[generation.OutlineOutput](ctx, s, generation.KindOutline, generation.OutlineInput{Parameters: params, Synopsis: synopsis, Feedback: feedback})
	if err != nil {
		return out, err
	}
	return normalizeOutline(out)
}

func (s *Stages) EnhanceOutline(ctx context.Context, params model.StoryParameters, title string, sections []model.Section) (generation.OutlineOutput, error) {
	if len(sections) == 0 {
		return generation.OutlineOutput{}, ErrEmptyOutline
	}
	out, err := run[generation.OutlineOutput](ctx, s, generation.KindEnhanceOutline, generation.EnhanceOutlineInput{Parameters: params, Title: title, Sections: sections})
	if err != nil {
		return out, err
	}
	if out.Title == "" {
		out.Title = title
	}
	return normalizeOutline(out)
}

// normalizeOutline 大纲章节一律不带场景
func normalizeOutline(out generation.OutlineOutput) (generation.OutlineOutput, error) {
	if len(out.Sections) == 0 {
		return out, ErrEmptyOutline
	}
	for i := range out.Sections {
		out.Sections[i].Scenes = []model.Scene{}
	}
	return out, nil
}

func (s *Stages) DevelopSection(ctx context.Context, params model.StoryParameters, section model.Section, extra map[string]string, feedback string) ([]model.Scene, error) {
	in := generation.DevelopSectionInput{Parameters: params, Section: section, Context: extra, Feedback: feedback}
	out, err := run[generation.SectionOutput](ctx, s, generation.KindDevelopSection, in)
	if err != nil {
		return nil, err
	}
	if len(out.Scenes) == 0 {
		return nil, ErrEmptySection
	}
	return out.Scenes, nil
}

func (s *Stages) DescribeImage(ctx context.Context, params model.StoryParameters, scene model.Scene) (string, error) {
	out, err := run[generation.ImageDescriptionOutput](ctx, s, generation.KindImageDescription, generation.ImageDescriptionInput{Parameters: params, Scene: scene})
	if err != nil {
		return "", err
	}
	return out.Prompt, nil
}

func (s *Stages) GenerateImage(ctx context.Context, prompt string) (string, error) {
	out, err := run[generation.ImageOutput](ctx, s, generation.KindImage, generation.ImageInput{Prompt: prompt})
	if err != nil {
		return "", err
	}
	if out.URL == "" {
		return "", ErrEmptyImage
	}
	return out.URL, nil
}

// IllustrateSection 并发为每个场景生成插图描述和图片，返回副本；任一场景失败则整章失败
func (s *Stages) IllustrateSection(ctx context.Context, params model.StoryParameters, section model.Section) ([]model.Scene, error) {
	if !section.Developed() {
		return nil, ErrEmptySection
	}
	scenes := make([]model.Scene, len(section.Scenes))
	copy(scenes, section.Scenes)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.imageConcurrency)
	for i := range scenes {
		i := i
		g.Go(func() error {
			prompt := scenes[i].ImagePrompt
			if prompt == "" {
				p, err := s.DescribeImage(gctx, params, scenes[i])
				if err != nil {
					return fmt.Errorf("scene %d: %w", i, err)
				}
				prompt = p
			}
			url, err := s.GenerateImage(gctx, prompt)
			if err != nil {
				return fmt.Errorf("scene %d: %w", i, err)
			}
			scenes[i].ImagePrompt = prompt
			scenes[i].ImageURL = url
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return scenes, nil
}
