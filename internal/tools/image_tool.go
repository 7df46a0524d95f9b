package tools

import (
	"context"
	"encoding/json"
	"errors"

	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"github.com/jkatigb/storai-app/internal/volc"
)

// ImageGenerator 图片生成能力，由volc.ArkClient实现
type ImageGenerator interface {
	GenerateImages(ctx context.Context, p volc.ImageGenParams) ([]string, error)
}

// ImageTool 实现eino框架的场景插画生成工具
type ImageTool struct {
	gen   ImageGenerator
	Model string
	Size  string
}

type ImageToolArgs struct {
	Prompt string   `json:"prompt"`
	Size   string   `json:"size,omitempty"`
	Images []string `json:"images,omitempty"`
}

type ImageToolResp struct {
	Images []string `json:"images"`
	Count  int      `json:"count"`
}

// NewImageTool 创建图片生成工具，model为空时使用默认模型
func NewImageTool(gen ImageGenerator, model string) *ImageTool {
	return &ImageTool{gen: gen, Model: model, Size: "1024x1024"}
}

// Info 获取图片生成工具信息
func (t *ImageTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	params := map[string]*schema.ParameterInfo{
		"prompt": {Type: schema.String, Required: true, Desc: "图片提示词"},
		"size":   {Type: schema.String, Required: false, Desc: "输出分辨率，如1024x1024"},
		"images": {Type: schema.Array, Required: false, Desc: "参考图片URL列表", ElemInfo: &schema.ParameterInfo{Type: schema.String}},
	}
	return &schema.ToolInfo{
		Name:        "scene_image_generate",
		Desc:        "根据场景提示词生成一张儿童插画",
		ParamsOneOf: schema.NewParamsOneOfByParams(params),
	}, nil
}

// InvokableRun 执行图片生成
func (t *ImageTool) InvokableRun(ctx context.Context, argumentsInJSON string, opts ...einotool.Option) (string, error) {
	var args ImageToolArgs
	if err := json.Unmarshal([]byte(argumentsInJSON), &args); err != nil {
		return "", err
	}
	if args.Prompt == "" {
		return "", errors.New("prompt required")
	}
	size := args.Size
	if size == "" {
		size = t.Size
	}
	res, err := t.gen.GenerateImages(ctx, volc.ImageGenParams{
		Model:       t.Model,
		Prompt:      args.Prompt,
		Size:        size,
		ImageInputs: args.Images,
		MaxImages:   1,
	})
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(ImageToolResp{Images: res, Count: len(res)})
	if err != nil {
		return "", err
	}
	return string(b), nil
}

var _ einotool.InvokableTool = (*ImageTool)(nil)
