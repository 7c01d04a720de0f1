package main

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/relaybot/pkg/config"
	"github.com/go-go-golems/relaybot/pkg/imagegen"
	"github.com/go-go-golems/relaybot/pkg/speech"
	"github.com/go-go-golems/relaybot/pkg/upstream"
	"github.com/go-go-golems/relaybot/pkg/upstream/chatgpt"
	"github.com/go-go-golems/relaybot/pkg/upstream/hub"
)

// chatModels are the OpenAI backends offered next to the hub.
var chatModels = []struct {
	name  string
	model string
}{
	{"chatgpt", openai.GPT3Dot5Turbo},
	{"chatgpt4", openai.GPT4},
}

func loadAccounts(s *config.Settings) (*hub.Accounts, error) {
	accounts, err := hub.LoadAccounts(s.Hub.Cookies, s.CurrentCookiePath())
	if err != nil {
		return nil, errors.Wrap(err, "load hub cookies")
	}
	return accounts, nil
}

func buildRegistry(s *config.Settings, accounts *hub.Accounts) (*upstream.Registry, error) {
	registry := upstream.NewRegistry()
	bing, err := hub.New(hub.Options{
		Name:      "bing",
		CreateURL: s.Hub.CreateURL,
		HubURL:    s.Hub.HubURL,
		Accounts:  accounts,
		Proxy:     s.Hub.Proxy,
	})
	if err != nil {
		return nil, errors.Wrap(err, "hub transport")
	}
	registry.Register("bing", bing)

	if s.OpenAI.APIKey == "" {
		log.Info().Str("component", "relaybot").Msg("no openai key, chatgpt backends disabled")
		return registry, nil
	}
	for _, m := range chatModels {
		t, err := chatgpt.New(chatgpt.Options{
			Name:    m.name,
			Model:   m.model,
			APIKey:  s.OpenAI.APIKey,
			BaseURL: s.OpenAI.BaseURL,
			System:  s.OpenAI.System,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "%s transport", m.name)
		}
		registry.Register(m.name, t)
	}
	return registry, nil
}

type speechStack struct {
	synth        speech.Synthesizer
	voices       *speech.Catalog
	transcribers speech.Transcribers
}

func buildSpeech(s *config.Settings) (speechStack, error) {
	out := speechStack{transcribers: speech.Transcribers{}}
	if s.OpenAI.APIKey != "" {
		oa, err := speech.NewOpenAI(speech.OpenAIOptions{APIKey: s.OpenAI.APIKey, BaseURL: s.OpenAI.BaseURL})
		if err != nil {
			return out, errors.Wrap(err, "openai speech")
		}
		out.synth = oa
		out.voices = speech.NewCatalog(oa)
		out.transcribers["whisper"] = oa
	}
	if s.AssemblyAI.Token != "" {
		aai, err := speech.NewAssemblyAI(speech.AssemblyAIOptions{Token: s.AssemblyAI.Token})
		if err != nil {
			return out, errors.Wrap(err, "assemblyai")
		}
		out.transcribers["assemblyai"] = aai
	}
	return out, nil
}

func buildImages(s *config.Settings, accounts *hub.Accounts) (imagegen.Registry, error) {
	images := imagegen.Registry{}
	if len(accounts.Names()) > 0 {
		images["bing"] = imagegen.NewCreator(imagegen.CreatorOptions{
			Cookie: func() string { return accounts.Header("") },
		})
	}
	if s.OpenAI.APIKey != "" {
		d, err := imagegen.NewDallE(imagegen.DallEOptions{APIKey: s.OpenAI.APIKey, BaseURL: s.OpenAI.BaseURL})
		if err != nil {
			return nil, errors.Wrap(err, "dall-e")
		}
		images["dall-e"] = d
	}
	return images, nil
}
