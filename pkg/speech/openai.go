package speech

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
)

// FallbackVoice is used when the stored voice is not one the API knows,
// e.g. a name kept from an older voice catalogue.
const FallbackVoice = "nova"

var openAIVoices = []Voice{
	{ShortName: string(openai.VoiceAlloy), Locale: "en-US", Gender: "Neutral"},
	{ShortName: string(openai.VoiceEcho), Locale: "en-US", Gender: "Male"},
	{ShortName: string(openai.VoiceFable), Locale: "en-GB", Gender: "Male"},
	{ShortName: string(openai.VoiceOnyx), Locale: "en-US", Gender: "Male"},
	{ShortName: string(openai.VoiceNova), Locale: "en-US", Gender: "Female"},
	{ShortName: string(openai.VoiceShimmer), Locale: "en-US", Gender: "Female"},
}

type OpenAIOptions struct {
	APIKey  string
	BaseURL string
	HTTP    *http.Client
	// Model is the TTS model; the transcription model is always whisper-1.
	Model string
}

// OpenAI implements Synthesizer, Transcriber and VoiceLister on the OpenAI
// audio endpoints.
type OpenAI struct {
	client *openai.Client
	model  openai.SpeechModel
}

var (
	_ Synthesizer = (*OpenAI)(nil)
	_ Transcriber = (*OpenAI)(nil)
	_ VoiceLister = (*OpenAI)(nil)
)

func NewOpenAI(opts OpenAIOptions) (*OpenAI, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("openai speech: missing api key")
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	if opts.HTTP != nil {
		cfg.HTTPClient = opts.HTTP
	}
	model := openai.SpeechModel(opts.Model)
	if model == "" {
		model = openai.TTSModel1
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg), model: model}, nil
}

func (o *OpenAI) ListVoices(context.Context) ([]Voice, error) {
	return append([]Voice(nil), openAIVoices...), nil
}

func knownVoice(name string) bool {
	for _, v := range openAIVoices {
		if v.ShortName == name {
			return true
		}
	}
	return false
}

func (o *OpenAI) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("nothing to synthesize")
	}
	if !knownVoice(voice) {
		voice = FallbackVoice
	}
	resp, err := o.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          o.model,
		Input:          text,
		Voice:          openai.SpeechVoice(voice),
		ResponseFormat: openai.SpeechResponseFormatOpus,
	})
	if err != nil {
		return nil, errors.Wrap(err, "openai speech")
	}
	defer resp.Close()
	audio, err := io.ReadAll(resp)
	if err != nil {
		return nil, errors.Wrap(err, "read speech audio")
	}
	return audio, nil
}

func (o *OpenAI) Transcribe(ctx context.Context, audio []byte) (string, bool, error) {
	resp, err := o.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: "voice.ogg",
		Reader:   bytes.NewReader(audio),
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusUnauthorized {
			log.Error().Err(err).Str("component", "speech").Msg("invalid OpenAI credentials")
			return "", false, nil
		}
		return "", false, errors.Wrap(err, "whisper transcription")
	}
	text := strings.TrimSpace(resp.Text)
	return text, text != "", nil
}
