package speech

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAssemblyAI_UploadThenPoll(t *testing.T) {
	var polls atomic.Int32
	var uploaded []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "tok", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v2/upload":
			uploaded, _ = io.ReadAll(r.Body)
			_, _ = w.Write([]byte(`{"upload_url":"https://cdn/audio"}`))
		case r.Method == http.MethodPost && r.URL.Path == "/v2/transcript":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.Equal(t, "https://cdn/audio", body["audio_url"])
			_, _ = w.Write([]byte(`{"id":"t1","status":"queued"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/v2/transcript/t1":
			if polls.Add(1) < 2 {
				_, _ = w.Write([]byte(`{"id":"t1","status":"processing"}`))
				return
			}
			_, _ = w.Write([]byte(`{"id":"t1","status":"completed","text":" what is go "}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	a, err := NewAssemblyAI(AssemblyAIOptions{Token: "tok", BaseURL: srv.URL + "/v2", HTTP: srv.Client(), PollInterval: time.Millisecond})
	require.NoError(t, err)
	text, ok, err := a.Transcribe(context.Background(), []byte("OggS"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "what is go", text)
	require.Equal(t, "OggS", string(uploaded))
	require.Equal(t, int32(2), polls.Load())
}

func TestAssemblyAI_GivesUpWithoutError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/upload":
			_, _ = w.Write([]byte(`{"upload_url":"u"}`))
		default:
			_, _ = w.Write([]byte(`{"id":"t2","status":"queued"}`))
		}
	}))
	defer srv.Close()

	a, err := NewAssemblyAI(AssemblyAIOptions{Token: "tok", BaseURL: srv.URL, HTTP: srv.Client(), PollInterval: time.Millisecond, PollAttempts: 2})
	require.NoError(t, err)
	text, ok, err := a.Transcribe(context.Background(), []byte("x"))
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, text)
}

func TestAssemblyAI_FailedTranscript(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/upload" {
			_, _ = w.Write([]byte(`{"upload_url":"u"}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"t3","status":"error","error":"unsupported codec"}`))
	}))
	defer srv.Close()

	a, err := NewAssemblyAI(AssemblyAIOptions{Token: "tok", BaseURL: srv.URL, HTTP: srv.Client()})
	require.NoError(t, err)
	_, ok, err := a.Transcribe(context.Background(), []byte("x"))
	require.Error(t, err)
	require.False(t, ok)
	require.Contains(t, err.Error(), "unsupported codec")
}

func TestOpenAI_SpeechAndWhisper(t *testing.T) {
	var mu sync.Mutex
	var speechReq map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/audio/speech":
			mu.Lock()
			_ = json.NewDecoder(r.Body).Decode(&speechReq)
			mu.Unlock()
			w.Header().Set("Content-Type", "audio/ogg")
			_, _ = w.Write([]byte("OggS-voice"))
		case "/v1/audio/transcriptions":
			require.NoError(t, r.ParseMultipartForm(1<<20))
			require.Equal(t, "whisper-1", r.FormValue("model"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"text":"hello bot"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	o, err := NewOpenAI(OpenAIOptions{APIKey: "sk-x", BaseURL: srv.URL + "/v1", HTTP: srv.Client()})
	require.NoError(t, err)

	audio, err := o.Synthesize(context.Background(), "hi there", "en-US-AnaNeural")
	require.NoError(t, err)
	require.Equal(t, "OggS-voice", string(audio))
	mu.Lock()
	require.Equal(t, FallbackVoice, speechReq["voice"])
	require.Equal(t, "opus", speechReq["response_format"])
	mu.Unlock()

	_, err = o.Synthesize(context.Background(), "  ", "alloy")
	require.Error(t, err)

	text, ok, err := o.Transcribe(context.Background(), []byte("OggS"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hello bot", text)
}

type countingLister struct {
	calls atomic.Int32
}

func (c *countingLister) ListVoices(context.Context) ([]Voice, error) {
	c.calls.Add(1)
	return []Voice{
		{ShortName: "en-US-JennyNeural", Locale: "en-US", Gender: "Female"},
		{ShortName: "en-GB-RyanNeural", Locale: "en-GB", Gender: "Male"},
		{ShortName: "en-US-AnaNeural", Locale: "en-US", Gender: "Female"},
		{ShortName: "es-ES-AlvaroNeural", Locale: "es-ES", Gender: "Male"},
	}, nil
}

func TestCatalog_IndexesOnce(t *testing.T) {
	l := &countingLister{}
	c := NewCatalog(l)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Languages(ctx)
		}()
	}
	wg.Wait()

	langs, err := c.Languages(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"en", "es"}, langs)
	genders, err := c.Genders(ctx, "en")
	require.NoError(t, err)
	require.Equal(t, []string{"Female", "Male"}, genders)
	voices, err := c.Voices(ctx, "en", "Female")
	require.NoError(t, err)
	require.Equal(t, []string{"en-US-AnaNeural", "en-US-JennyNeural"}, voices)
	require.Equal(t, int32(1), l.calls.Load())
}

type stubTranscriber struct{ text string }

func (s stubTranscriber) Transcribe(context.Context, []byte) (string, bool, error) {
	return s.text, true, nil
}

func TestTranscribers_UnknownBackendUnavailable(t *testing.T) {
	ts := Transcribers{"whisper": stubTranscriber{text: "hi"}}
	text, ok, err := ts.Transcribe(context.Background(), "whisper", nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hi", text)

	_, ok, err = ts.Transcribe(context.Background(), "assemblyai", nil)
	require.NoError(t, err)
	require.False(t, ok)
}
