package generation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	einomodel "github.com/cloudwego/eino/components/model"
	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkatigb/storai-app/internal/model"
)

func params() model.StoryParameters {
	return model.StoryParameters{
		AgeRange:   "4-6",
		Themes:     []string{"friendship"},
		Moral:      "share",
		Characters: []model.Character{{Name: "Luna", Description: "a curious rabbit"}},
		Setting:    "enchanted forest",
		Tone:       "whimsical",
	}
}

func TestExtractJSON(t *testing.T) {
	cases := map[string]string{
		"plain":      `{"a":1}`,
		"fenced":     "```json\n{\"a\":1}\n```",
		"bare fence": "```\n{\"a\":1}\n```",
		"prose":      "Here you go: {\"a\":1} enjoy!",
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			out, err := ExtractJSON(in)
			require.NoError(t, err)
			assert.JSONEq(t, `{"a":1}`, string(out))
		})
	}

	_, err := ExtractJSON("no json here")
	assert.ErrorIs(t, err, ErrMalformedOutput)
}

func TestRun_DecodesAndReportsMalformedOutput(t *testing.T) {
	ok := AdapterFunc(func(ctx context.Context, kind Kind, in Input) (json.RawMessage, error) {
		return json.RawMessage(`{"title":"T","synopsis":"S"}`), nil
	})
	out, err := Run[SynopsisOutput](context.Background(), ok, KindSynopsis, SynopsisInput{Parameters: params()})
	require.NoError(t, err)
	assert.Equal(t, SynopsisOutput{Title: "T", Synopsis: "S"}, out)

	bad := AdapterFunc(func(ctx context.Context, kind Kind, in Input) (json.RawMessage, error) {
		return json.RawMessage(`"just a string"`), nil
	})
	_, err = Run[SynopsisOutput](context.Background(), bad, KindSynopsis, SynopsisInput{Parameters: params()})
	assert.ErrorIs(t, err, ErrMalformedOutput)

	boom := errors.New("upstream unavailable")
	failing := AdapterFunc(func(ctx context.Context, kind Kind, in Input) (json.RawMessage, error) {
		return nil, boom
	})
	_, err = Run[SynopsisOutput](context.Background(), failing, KindSynopsis, SynopsisInput{Parameters: params()})
	assert.ErrorIs(t, err, boom)
}

func TestCacheKeys(t *testing.T) {
	a := SynopsisInput{Parameters: params()}
	b := OutlineInput{Parameters: params(), Synopsis: "differs"}
	assert.Equal(t, a.CacheKey(), b.CacheKey())

	withFb := SynopsisInput{Parameters: params(), Feedback: "more dragons"}
	assert.Contains(t, withFb.CacheKey(), "feedback:more dragons")

	sec := DevelopSectionInput{Section: model.Section{Name: "Beginning", Outline: "Luna wakes up"}}
	assert.Equal(t, "beginning: luna wakes up", sec.CacheKey())

	sec.Parameters = params()
	assert.Contains(t, sec.CacheKey(), "luna a curious rabbit")
	assert.Contains(t, sec.CacheKey(), "beginning: luna wakes up")
	assert.Equal(t, "beginning|4-6|luna|enchanted forest", sec.CacheScope())
	assert.Equal(t, "luna|enchanted forest", ScopeOf(a))
	assert.Empty(t, ScopeOf(ImageInput{Prompt: "x"}))
}

func TestKindValid(t *testing.T) {
	for _, k := range Kinds {
		assert.True(t, k.Valid(), k)
	}
	assert.False(t, Kind("video").Valid())
}

func TestTemplateAdapter_AllKinds(t *testing.T) {
	ctx := context.Background()
	a := TemplateAdapter{}

	syn, err := Run[SynopsisOutput](ctx, a, KindSynopsis, SynopsisInput{Parameters: params()})
	require.NoError(t, err)
	assert.NotEmpty(t, syn.Title)
	assert.Contains(t, syn.Synopsis, "Luna")

	outline, err := Run[OutlineOutput](ctx, a, KindOutline, OutlineInput{Parameters: params()})
	require.NoError(t, err)
	require.Len(t, outline.Sections, 3)
	for _, s := range outline.Sections {
		assert.Empty(t, s.Scenes)
	}

	enhanced, err := Run[OutlineOutput](ctx, a, KindEnhanceOutline, EnhanceOutlineInput{Parameters: params(), Sections: outline.Sections})
	require.NoError(t, err)
	require.Len(t, enhanced.Sections, 3)
	assert.Contains(t, enhanced.Sections[0].Outline, "next part")

	sec, err := Run[SectionOutput](ctx, a, KindDevelopSection, DevelopSectionInput{Parameters: params(), Section: outline.Sections[0]})
	require.NoError(t, err)
	require.Len(t, sec.Scenes, 2)
	assert.Equal(t, []string{"Luna"}, sec.Scenes[0].Characters)

	desc, err := Run[ImageDescriptionOutput](ctx, a, KindImageDescription, ImageDescriptionInput{Parameters: params(), Scene: sec.Scenes[0]})
	require.NoError(t, err)
	assert.Contains(t, desc.Prompt, "enchanted forest")

	img, err := Run[ImageOutput](ctx, a, KindImage, ImageInput{Prompt: desc.Prompt})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(img.URL, "data:image/png;base64,"))
}

func TestTemplateAdapter_HonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := TemplateAdapter{}.Generate(ctx, KindSynopsis, SynopsisInput{Parameters: params()})
	assert.ErrorIs(t, err, context.Canceled)
}

type fakeChatModel struct {
	mu       sync.Mutex
	reply    string
	err      error
	received [][]*schema.Message
}

func (m *fakeChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.Message, error) {
	m.mu.Lock()
	m.received = append(m.received, input)
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return schema.AssistantMessage(m.reply, nil), nil
}

func (m *fakeChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("streaming not supported")
}

type fakeImageTool struct{ args string }

func (f *fakeImageTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{Name: "fake"}, nil
}

func (f *fakeImageTool) InvokableRun(ctx context.Context, args string, opts ...einotool.Option) (string, error) {
	f.args = args
	return `{"images":["https://img.example/1.png"],"count":1}`, nil
}

func TestEinoAdapter_FillsPromptAndParsesReply(t *testing.T) {
	ctx := context.Background()
	cm := &fakeChatModel{reply: "```json\n{\"title\":\"Luna\",\"synopsis\":\"A rabbit shares.\"}\n```"}
	a, err := NewEinoAdapter(ctx, cm, &fakeImageTool{}, logrus.New())
	require.NoError(t, err)

	out, err := Run[SynopsisOutput](ctx, a, KindSynopsis, SynopsisInput{Parameters: params(), Feedback: "shorter please"})
	require.NoError(t, err)
	assert.Equal(t, "Luna", out.Title)

	require.Len(t, cm.received, 1)
	msgs := cm.received[0]
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0].Content, "4-6")
	assert.Contains(t, msgs[1].Content, "friendship")
	assert.Contains(t, msgs[1].Content, "shorter please")
}

func TestEinoAdapter_PropagatesModelFailure(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("rate limited")
	a, err := NewEinoAdapter(ctx, &fakeChatModel{err: boom}, &fakeImageTool{}, logrus.New())
	require.NoError(t, err)

	_, err = a.Generate(ctx, KindOutline, OutlineInput{Parameters: params()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestEinoAdapter_ImageUsesTool(t *testing.T) {
	ctx := context.Background()
	img := &fakeImageTool{}
	a, err := NewEinoAdapter(ctx, &fakeChatModel{}, img, logrus.New())
	require.NoError(t, err)

	out, err := Run[ImageOutput](ctx, a, KindImage, ImageInput{Prompt: "a rabbit"})
	require.NoError(t, err)
	assert.Equal(t, "https://img.example/1.png", out.URL)
	assert.JSONEq(t, `{"prompt":"a rabbit"}`, img.args)

	_, err = a.Generate(ctx, KindImage, SynopsisInput{})
	assert.ErrorIs(t, err, ErrUnsupportedKind)
}
