// Package imagegen produces image URLs from a text prompt.
package imagegen

import (
	"context"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	openai "github.com/sashabaranov/go-openai"
)

var ErrUnavailable = errors.New("image backend not configured")

type Generator interface {
	Generate(ctx context.Context, prompt string) ([]string, error)
}

// Registry maps image backend names to generators.
type Registry map[string]Generator

func (r Registry) Generate(ctx context.Context, backend, prompt string) ([]string, error) {
	g, ok := r[backend]
	if !ok || g == nil {
		return nil, errors.Wrapf(ErrUnavailable, "backend %q", backend)
	}
	return g.Generate(ctx, prompt)
}

type DallEOptions struct {
	APIKey  string
	BaseURL string
	HTTP    *http.Client
	Model   string
	Size    string
	Count   int
}

type DallE struct {
	client *openai.Client
	opts   DallEOptions
}

var _ Generator = (*DallE)(nil)

func NewDallE(opts DallEOptions) (*DallE, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("dall-e: missing api key")
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	if opts.HTTP != nil {
		cfg.HTTPClient = opts.HTTP
	}
	if opts.Model == "" {
		opts.Model = openai.CreateImageModelDallE2
	}
	if opts.Size == "" {
		opts.Size = openai.CreateImageSize1024x1024
	}
	if opts.Count <= 0 {
		opts.Count = 4
	}
	return &DallE{client: openai.NewClientWithConfig(cfg), opts: opts}, nil
}

func (d *DallE) Generate(ctx context.Context, prompt string) ([]string, error) {
	resp, err := d.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         prompt,
		Model:          d.opts.Model,
		N:              d.opts.Count,
		Size:           d.opts.Size,
		ResponseFormat: openai.CreateImageResponseFormatURL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "dall-e")
	}
	urls := make([]string, 0, len(resp.Data))
	for _, img := range resp.Data {
		if img.URL != "" {
			urls = append(urls, img.URL)
		}
	}
	if len(urls) == 0 {
		return nil, errors.New("dall-e returned no images")
	}
	return urls, nil
}
