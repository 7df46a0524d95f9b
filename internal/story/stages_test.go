package story

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkatigb/storai-app/internal/generation"
	"github.com/jkatigb/storai-app/internal/model"
)

func params() model.StoryParameters {
	return model.StoryParameters{
		AgeRange:   "4-6",
		Themes:     []string{"friendship"},
		Moral:      "share with others",
		Characters: []model.Character{{Name: "Luna", Description: "a rabbit"}},
		Setting:    "meadow",
		Tone:       "gentle",
	}
}

func quietLogger() logrus.FieldLogger {
	l, _ := test.NewNullLogger()
	return l
}

func TestStages_TemplateRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewStages(generation.TemplateAdapter{}, time.Second, quietLogger())

	syn, err := s.Synopsis(ctx, params(), "")
	require.NoError(t, err)
	assert.NotEmpty(t, syn.Title)
	assert.Contains(t, syn.Synopsis, "Luna")

	outline, err := s.Outline(ctx, params(), syn.Synopsis, "")
	require.NoError(t, err)
	require.Len(t, outline.Sections, 3)
	for _, sec := range outline.Sections {
		assert.Empty(t, sec.Scenes)
	}

	enhanced, err := s.EnhanceOutline(ctx, params(), syn.Title, outline.Sections)
	require.NoError(t, err)
	assert.Equal(t, syn.Title, enhanced.Title)
	assert.Len(t, enhanced.Sections, 3)

	scenes, err := s.DevelopSection(ctx, params(), enhanced.Sections[0], map[string]string{"previous": ""}, "")
	require.NoError(t, err)
	assert.Len(t, scenes, 2)
}

func TestStages_OutlineScenesAreCleared(t *testing.T) {
	a := generation.AdapterFunc(func(ctx context.Context, kind generation.Kind, in generation.Input) (json.RawMessage, error) {
		return json.RawMessage(`{"title":"T","sections":[{"name":"A","outline":"a","scenes":[{"text":"leaked"}]}]}`), nil
	})
	out, err := NewStages(a, 0, quietLogger()).Outline(context.Background(), params(), "syn", "")
	require.NoError(t, err)
	require.Len(t, out.Sections, 1)
	assert.Empty(t, out.Sections[0].Scenes)
}

func TestStages_EmptyResultsAreErrors(t *testing.T) {
	empty := generation.AdapterFunc(func(ctx context.Context, kind generation.Kind, in generation.Input) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	s := NewStages(empty, 0, quietLogger())
	ctx := context.Background()

	_, err := s.Synopsis(ctx, params(), "")
	assert.ErrorIs(t, err, ErrEmptySynopsis)

	_, err = s.Outline(ctx, params(), "syn", "")
	assert.ErrorIs(t, err, ErrEmptyOutline)

	_, err = s.EnhanceOutline(ctx, params(), "T", nil)
	assert.ErrorIs(t, err, ErrEmptyOutline)

	_, err = s.DevelopSection(ctx, params(), model.Section{Name: "A"}, nil, "")
	assert.ErrorIs(t, err, ErrEmptySection)

	_, err = s.GenerateImage(ctx, "a cat")
	assert.ErrorIs(t, err, ErrEmptyImage)
}

func TestStages_TimeoutBoundsGeneration(t *testing.T) {
	slow := generation.AdapterFunc(func(ctx context.Context, kind generation.Kind, in generation.Input) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s := NewStages(slow, 20*time.Millisecond, quietLogger())

	start := time.Now()
	_, err := s.Synopsis(context.Background(), params(), "")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestStages_ErrorsCarryKind(t *testing.T) {
	boom := errors.New("upstream down")
	failing := generation.AdapterFunc(func(ctx context.Context, kind generation.Kind, in generation.Input) (json.RawMessage, error) {
		return nil, boom
	})
	_, err := NewStages(failing, 0, quietLogger()).DescribeImage(context.Background(), params(), model.Scene{Text: "x"})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), string(generation.KindImageDescription))
}

func TestStages_IllustrateSection(t *testing.T) {
	var describes, images atomic.Int32
	a := generation.AdapterFunc(func(ctx context.Context, kind generation.Kind, in generation.Input) (json.RawMessage, error) {
		switch kind {
		case generation.KindImageDescription:
			describes.Add(1)
		case generation.KindImage:
			images.Add(1)
		}
		return generation.TemplateAdapter{}.Generate(ctx, kind, in)
	})
	section := model.Section{
		Name: "Beginning",
		Scenes: []model.Scene{
			{Setting: "meadow", Text: "Luna wakes up"},
			{Setting: "meadow", Text: "Luna meets a fox", ImagePrompt: "fox and rabbit"},
			{Setting: "river", Text: "They cross the river"},
		},
	}

	scenes, err := NewStages(a, time.Second, quietLogger()).IllustrateSection(context.Background(), params(), section)
	require.NoError(t, err)
	require.Len(t, scenes, 3)
	for _, sc := range scenes {
		assert.NotEmpty(t, sc.ImagePrompt)
		assert.NotEmpty(t, sc.ImageURL)
	}
	assert.Equal(t, "fox and rabbit", scenes[1].ImagePrompt)
	assert.EqualValues(t, 2, describes.Load(), "existing prompts are reused")
	assert.EqualValues(t, 3, images.Load())

	// the input section is not mutated
	assert.Empty(t, section.Scenes[0].ImageURL)
}

func TestStages_IllustrateSectionFailsAsAWhole(t *testing.T) {
	boom := errors.New("image quota")
	a := generation.AdapterFunc(func(ctx context.Context, kind generation.Kind, in generation.Input) (json.RawMessage, error) {
		if kind == generation.KindImage {
			return nil, boom
		}
		return generation.TemplateAdapter{}.Generate(ctx, kind, in)
	})
	section := model.Section{Name: "A", Scenes: []model.Scene{{Text: "one"}, {Text: "two"}}}

	scenes, err := NewStages(a, 0, quietLogger()).IllustrateSection(context.Background(), params(), section)
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, scenes)

	_, err = NewStages(a, 0, quietLogger()).IllustrateSection(context.Background(), params(), model.Section{Name: "empty"})
	assert.ErrorIs(t, err, ErrEmptySection)
}
