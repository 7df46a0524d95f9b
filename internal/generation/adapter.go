package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnsupportedKind = errors.New("unsupported generation kind")
	ErrMalformedOutput = errors.New("malformed generation output")
)

// Adapter 生成单个阶段的结构化输出，调用方用ctx控制超时
type Adapter interface {
	Generate(ctx context.Context, kind Kind, in Input) (json.RawMessage, error)
}

type AdapterFunc func(ctx context.Context, kind Kind, in Input) (json.RawMessage, error)

func (f AdapterFunc) Generate(ctx context.Context, kind Kind, in Input) (json.RawMessage, error) {
	return f(ctx, kind, in)
}

// Run 生成并解码
func Run[O any](ctx context.Context, a Adapter, kind Kind, in Input) (O, error) {
	var out O
	raw, err := a.Generate(ctx, kind, in)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: %s: %v", ErrMalformedOutput, kind, err)
	}
	return out, nil
}

// ExtractJSON 去掉模型回复里的markdown代码块和多余文字，取出JSON
func ExtractJSON(content string) (json.RawMessage, error) {
	cleaned := strings.TrimSpace(content)
	if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```json")
		cleaned = strings.TrimPrefix(cleaned, "```")
		cleaned = strings.TrimSuffix(strings.TrimSpace(cleaned), "```")
		cleaned = strings.TrimSpace(cleaned)
	}
	if !json.Valid([]byte(cleaned)) {
		start := strings.IndexAny(cleaned, "{[")
		end := strings.LastIndexAny(cleaned, "}]")
		if start < 0 || end <= start {
			return nil, fmt.Errorf("%w: no json in reply", ErrMalformedOutput)
		}
		cleaned = cleaned[start : end+1]
		if !json.Valid([]byte(cleaned)) {
			return nil, fmt.Errorf("%w: invalid json: %s", ErrMalformedOutput, cleaned)
		}
	}
	return json.RawMessage(cleaned), nil
}
