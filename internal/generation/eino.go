package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"github.com/sirupsen/logrus"

	"github.com/jkatigb/storai-app/internal/model"
	"github.com/jkatigb/storai-app/internal/tools"
)

const writerInstruction = `You are a children's story writer. Write for readers aged {age_range}. Always reply with a single valid JSON document and nothing else.`

var userTemplates = map[Kind]string{
	KindSynopsis: `Write a synopsis for a children's story.
Themes: {themes}
Moral: {moral}
Characters: {characters}
Setting: {setting}
Tone: {tone}
Parental concerns: {concerns}
Ending: {ending}
{feedback}
Reply with a JSON object with the string fields "title" and "synopsis".`,

	KindOutline: `Create an outline for this children's story.
Synopsis: {synopsis}
Themes: {themes}
Moral: {moral}
Characters: {characters}
Setting: {setting}
{feedback}
Reply with a JSON object with a string field "title" and an array field "sections"; every section has the string fields "name", "outline" and "moral_integration" and an empty array "scenes".`,

	KindEnhanceOutline: `Improve this story outline so that the moral "{moral}" is woven through every section and each section ends with a clear hook.
Title: {title}
Sections:
{sections}
Reply with a JSON object with a string field "title" and an array field "sections" in the same shape as the input.`,

	KindDevelopSection: `Develop the section "{section_name}" of a children's story into scenes.
Section outline: {section_outline}
Moral: {moral}
Characters: {characters}
Additional context: {context}
{feedback}
Reply with a JSON object with an array field "scenes"; every scene has the string fields "setting" and "text" and a string array "characters".`,

	KindImageDescription: `Write an illustration prompt for this scene of a children's picture book: bright, cute, cartoon style suitable for ages {age_range}.
Setting: {setting}
Scene: {scene}
Reply with a JSON object with the string field "prompt".`,
}

// EinoAdapter 文本阶段走eino编排的对话模型，图片走图片工具
type EinoAdapter struct {
	chains    map[Kind]compose.Runnable[map[string]any, json.RawMessage]
	imageTool tool.InvokableTool
	log       logrus.FieldLogger
}

// NewEinoAdapter 每种文本阶段编译一个 prompt -> model -> json 图
func NewEinoAdapter(ctx context.Context, chatModel einomodel.BaseChatModel, imageTool tool.InvokableTool, log logrus.FieldLogger) (*EinoAdapter, error) {
	a := &EinoAdapter{
		chains:    make(map[Kind]compose.Runnable[map[string]any, json.RawMessage], len(userTemplates)),
		imageTool: imageTool,
		log:       log,
	}
	for kind, tpl := range userTemplates {
		r, err := compileChain(ctx, chatModel, tpl)
		if err != nil {
			return nil, fmt.Errorf("compile %s chain: %w", kind, err)
		}
		a.chains[kind] = r
	}
	return a, nil
}

func compileChain(ctx context.Context, chatModel einomodel.BaseChatModel, userTpl string) (compose.Runnable[map[string]any, json.RawMessage], error) {
	template := prompt.FromMessages(schema.FString,
		schema.SystemMessage(writerInstruction),
		schema.UserMessage(userTpl),
	)
	parse := compose.InvokableLambda(func(ctx context.Context, msg *schema.Message) (json.RawMessage, error) {
		return ExtractJSON(msg.Content)
	})

	graph := compose.NewGraph[map[string]any, json.RawMessage]()
	if err := graph.AddChatTemplateNode("prompt", template); err != nil {
		return nil, err
	}
	if err := graph.AddChatModelNode("model", chatModel); err != nil {
		return nil, err
	}
	if err := graph.AddLambdaNode("parse", parse); err != nil {
		return nil, err
	}
	for _, e := range [][2]string{{compose.START, "prompt"}, {"prompt", "model"}, {"model", "parse"}, {"parse", compose.END}} {
		if err := graph.AddEdge(e[0], e[1]); err != nil {
			return nil, err
		}
	}
	return graph.Compile(ctx)
}

func (a *EinoAdapter) Generate(ctx context.Context, kind Kind, in Input) (json.RawMessage, error) {
	if kind == KindImage {
		return a.generateImage(ctx, in)
	}
	chain, ok := a.chains[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
	vars, err := promptVars(kind, in)
	if err != nil {
		return nil, err
	}
	a.log.WithField("kind", kind).Debug("invoking chat model")
	out, err := chain.Invoke(ctx, vars)
	if err != nil {
		return nil, fmt.Errorf("%s generation: %w", kind, err)
	}
	return out, nil
}

func (a *EinoAdapter) generateImage(ctx context.Context, in Input) (json.RawMessage, error) {
	img, ok := in.(ImageInput)
	if !ok {
		return nil, fmt.Errorf("%w: image input %T", ErrUnsupportedKind, in)
	}
	args, err := json.Marshal(tools.ImageToolArgs{Prompt: img.Prompt})
	if err != nil {
		return nil, err
	}
	res, err := a.imageTool.InvokableRun(ctx, string(args))
	if err != nil {
		return nil, fmt.Errorf("image generation: %w", err)
	}
	var resp tools.ImageToolResp
	if err := json.Unmarshal([]byte(res), &resp); err != nil || len(resp.Images) == 0 {
		return nil, fmt.Errorf("%w: image tool output: %s", ErrMalformedOutput, res)
	}
	return json.Marshal(ImageOutput{URL: resp.Images[0]})
}

func promptVars(kind Kind, in Input) (map[string]any, error) {
	switch v := in.(type) {
	case SynopsisInput:
		vars := paramVars(v.Parameters)
		vars["feedback"] = feedbackLine(v.Feedback)
		return vars, nil
	case OutlineInput:
		vars := paramVars(v.Parameters)
		vars["synopsis"] = v.Synopsis
		vars["feedback"] = feedbackLine(v.Feedback)
		return vars, nil
	case EnhanceOutlineInput:
		vars := paramVars(v.Parameters)
		vars["title"] = v.Title
		var b strings.Builder
		for _, s := range v.Sections {
			fmt.Fprintf(&b, "- %s: %s\n", s.Name, s.Outline)
		}
		vars["sections"] = b.String()
		return vars, nil
	case DevelopSectionInput:
		vars := paramVars(v.Parameters)
		vars["section_name"] = v.Section.Name
		vars["section_outline"] = v.Section.Outline
		pairs := make([]string, 0, len(v.Context))
		for k, val := range v.Context {
			pairs = append(pairs, k+"="+val)
		}
		vars["context"] = strings.Join(pairs, "; ")
		vars["feedback"] = feedbackLine(v.Feedback)
		return vars, nil
	case ImageDescriptionInput:
		vars := paramVars(v.Parameters)
		vars["setting"] = v.Scene.Setting
		vars["scene"] = v.Scene.Text
		return vars, nil
	}
	return nil, fmt.Errorf("%w: %s input %T", ErrUnsupportedKind, kind, in)
}

func paramVars(p model.StoryParameters) map[string]any {
	names := make([]string, 0, len(p.Characters))
	for _, c := range p.Characters {
		names = append(names, c.Name+" ("+c.Description+")")
	}
	return map[string]any{
		"age_range":  p.AgeRange,
		"themes":     strings.Join(p.Themes, ", "),
		"moral":      p.Moral,
		"characters": strings.Join(names, ", "),
		"setting":    p.Setting,
		"tone":       p.Tone,
		"concerns":   strings.Join(p.ParentalConcerns, ", "),
		"ending":     p.Ending,
	}
}

func feedbackLine(feedback string) string {
	if strings.TrimSpace(feedback) == "" {
		return ""
	}
	return "The previous version was rejected with this feedback: " + feedback
}
