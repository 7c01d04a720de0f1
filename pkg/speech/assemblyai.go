package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const DefaultAssemblyAIURL = "https://api.assemblyai.com/v2"

type AssemblyAIOptions struct {
	Token   string
	BaseURL string
	HTTP    *http.Client
	// PollInterval and PollAttempts bound the wait for a queued transcript.
	PollInterval time.Duration
	PollAttempts int
}

// AssemblyAI uploads the audio, requests a transcript and polls for it.
type AssemblyAI struct {
	opts AssemblyAIOptions
}

var _ Transcriber = (*AssemblyAI)(nil)

func NewAssemblyAI(opts AssemblyAIOptions) (*AssemblyAI, error) {
	if strings.TrimSpace(opts.Token) == "" {
		return nil, errors.New("assemblyai: missing token")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultAssemblyAIURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.HTTP == nil {
		opts.HTTP = &http.Client{Timeout: 60 * time.Second}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.PollAttempts <= 0 {
		opts.PollAttempts = 5
	}
	return &AssemblyAI{opts: opts}, nil
}

type transcript struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Text   string `json:"text"`
	Error  string `json:"error"`
}

func (a *AssemblyAI) Transcribe(ctx context.Context, audio []byte) (string, bool, error) {
	var up struct {
		UploadURL string `json:"upload_url"`
	}
	if err := a.do(ctx, http.MethodPost, "/upload", "application/octet-stream", bytes.NewReader(audio), &up); err != nil {
		return "", false, err
	}
	if up.UploadURL == "" {
		return "", false, errors.New("assemblyai: upload returned no url")
	}

	body, _ := json.Marshal(map[string]string{"audio_url": up.UploadURL})
	var tr transcript
	if err := a.do(ctx, http.MethodPost, "/transcript", "application/json", bytes.NewReader(body), &tr); err != nil {
		return "", false, err
	}

	for attempt := 0; ; attempt++ {
		switch tr.Status {
		case "completed":
			text := strings.TrimSpace(tr.Text)
			return text, text != "", nil
		case "error":
			return "", false, errors.Errorf("assemblyai: transcript %s failed: %s", tr.ID, tr.Error)
		}
		if attempt >= a.opts.PollAttempts {
			log.Warn().Str("component", "speech").Str("transcript_id", tr.ID).Str("status", tr.Status).Msg("assemblyai transcript not ready, giving up")
			return "", false, nil
		}
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-time.After(a.opts.PollInterval):
		}
		id := tr.ID
		if err := a.do(ctx, http.MethodGet, "/transcript/"+id, "", nil, &tr); err != nil {
			return "", false, err
		}
		log.Debug().Str("component", "speech").Str("transcript_id", id).Str("status", tr.Status).Msg("assemblyai poll")
	}
}

func (a *AssemblyAI) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, a.opts.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", a.opts.Token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := a.opts.HTTP.Do(req)
	if err != nil {
		return errors.Wrapf(err, "assemblyai %s", path)
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("assemblyai %s: http %d: %s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrapf(err, "decode assemblyai %s", path)
	}
	return nil
}
