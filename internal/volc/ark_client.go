package volc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	defaultBase       = "https://ark.cn-beijing.volces.com"
	defaultImageModel = "doubao-seedream-4.0"

	// 1x1 PNG，mock模式下的图片
	mockPixel = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR4nGNgYAAAAAMAASsJTYQAAAAASUVORK5CYII="
)

// ArkClient 方舟图片生成接口客户端
type ArkClient struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Mock       bool
	Log        logrus.FieldLogger
}

// NewArkClient 创建客户端，timeout<=0时使用30秒
func NewArkClient(apiKey string, mock bool, timeout time.Duration) *ArkClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ArkClient{
		BaseURL:    defaultBase,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: timeout},
		Mock:       mock,
		Log:        logrus.StandardLogger(),
	}
}

type ImageGenParams struct {
	Model                     string
	Prompt                    string
	Size                      string
	SequentialImageGeneration string
	ImageInputs               []string
	MaxImages                 int
}

// MockImageURL mock模式返回的图片地址
func MockImageURL() string {
	return "data:image/png;base64," + mockPixel
}

// GenerateImages 生成图片，返回URL或data URL列表
func (c *ArkClient) GenerateImages(ctx context.Context, p ImageGenParams) ([]string, error) {
	if p.Prompt == "" {
		return nil, errors.New("prompt required")
	}
	if c.Mock {
		return []string{MockImageURL()}, nil
	}
	if p.Model == "" {
		p.Model = defaultImageModel
	}
	if p.Size == "" {
		p.Size = "1024x1024"
	}
	if p.MaxImages == 0 {
		p.MaxImages = 1
	}
	body := map[string]any{
		"model":  p.Model,
		"prompt": p.Prompt,
		"size":   p.Size,
	}
	if p.SequentialImageGeneration != "" {
		body["sequential_image_generation"] = p.SequentialImageGeneration
		if p.SequentialImageGeneration == "auto" && p.MaxImages > 0 {
			body["sequential_image_generation_options"] = map[string]any{"max_images": p.MaxImages}
		}
	}
	if len(p.ImageInputs) > 0 {
		body["image"] = p.ImageInputs
	}

	var resp struct {
		Data []struct {
			URL    string `json:"url"`
			B64    string `json:"b64_json"`
			Format string `json:"format"`
		} `json:"data"`
	}
	if err := c.postJSON(ctx, "/api/v3/images/generations", body, &resp); err != nil {
		return nil, err
	}
	urls := make([]string, 0, len(resp.Data))
	for _, d := range resp.Data {
		if d.URL != "" {
			urls = append(urls, d.URL)
			continue
		}
		if d.B64 != "" {
			fmtType := d.Format
			if fmtType == "" {
				fmtType = "png"
			}
			urls = append(urls, "data:image/"+fmtType+";base64,"+d.B64)
		}
	}
	if len(urls) == 0 {
		return nil, errors.New("no images returned")
	}
	return urls, nil
}

func (c *ArkClient) postJSON(ctx context.Context, path string, body any, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")
	c.logger().WithFields(logrus.Fields{"url": req.URL.String(), "bytes": len(b)}).Debug("ark request")

	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	bodyBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("http %d: %s", res.StatusCode, string(bodyBytes))
	}
	return json.Unmarshal(bodyBytes, out)
}

func (c *ArkClient) logger() logrus.FieldLogger {
	if c.Log == nil {
		return logrus.StandardLogger()
	}
	return c.Log
}
