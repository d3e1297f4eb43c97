package app

import (
	"fmt"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/voxloop/voxloop/internal/config"
	"github.com/voxloop/voxloop/pkg/audio"
	"github.com/voxloop/voxloop/pkg/audio/room"
	"github.com/voxloop/voxloop/pkg/provider/llm"
	"github.com/voxloop/voxloop/pkg/provider/llm/anyllm"
	"github.com/voxloop/voxloop/pkg/provider/llm/openai"
	"github.com/voxloop/voxloop/pkg/provider/stt"
	"github.com/voxloop/voxloop/pkg/provider/stt/deepgram"
	"github.com/voxloop/voxloop/pkg/provider/stt/whisper"
	"github.com/voxloop/voxloop/pkg/provider/tts"
	"github.com/voxloop/voxloop/pkg/provider/tts/elevenlabs"
	"github.com/voxloop/voxloop/pkg/provider/vad"
	"github.com/voxloop/voxloop/pkg/provider/vad/energy"
)

// DefaultRegistry returns a [config.Registry] with every built-in provider
// registered under the names [config.ValidProviderNames] documents. Callers
// embedding voxloop can register additional providers on the result before
// handing it to [BuildProviders].
func DefaultRegistry() *config.Registry {
	r := config.NewRegistry()

	// ─── LLM ───

	r.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if e.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(e.BaseURL))
		}
		return openai.New(e.APIKey, e.Model, opts...)
	})
	r.RegisterLLM("groq", func(e config.ProviderEntry) (llm.Provider, error) {
		base := e.BaseURL
		if base == "" {
			base = openai.GroqBaseURL
		}
		return openai.New(e.APIKey, e.Model, openai.WithBaseURL(base))
	})
	for _, name := range []string{"anthropic", "gemini", "ollama", "deepseek", "mistral", "llamacpp", "llamafile"} {
		r.RegisterLLM(name, func(e config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if e.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
			}
			if e.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
			}
			return anyllm.New(e.Name, e.Model, opts...)
		})
	}

	// ─── STT ───

	r.RegisterSTT("deepgram", func(e config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if e.Model != "" {
			opts = append(opts, deepgram.WithModel(e.Model))
		}
		if lang := optString(e.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		return deepgram.New(e.APIKey, opts...)
	})
	r.RegisterSTT("whisper", func(e config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if e.Model != "" {
			opts = append(opts, whisper.WithModel(e.Model))
		}
		if lang := optString(e.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(e.BaseURL, opts...)
	})
	r.RegisterSTT("whisper-native", func(e config.ProviderEntry) (stt.Provider, error) {
		modelPath := optString(e.Options, "model_path")
		if modelPath == "" {
			return nil, fmt.Errorf("app: stt/whisper-native: options.model_path is required")
		}
		var opts []whisper.NativeOption
		if lang := optString(e.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	// ─── TTS ───

	r.RegisterTTS("elevenlabs", func(e config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if e.Model != "" {
			opts = append(opts, elevenlabs.WithModel(e.Model))
		}
		if format := optString(e.Options, "output_format"); format != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(format))
		}
		return elevenlabs.New(e.APIKey, opts...)
	})

	// ─── VAD ───

	r.RegisterVAD("energy", func(config.ProviderEntry) (vad.Engine, error) {
		return energy.New(), nil
	})

	// ─── Audio transport ───

	r.RegisterAudio("room", func(e config.ProviderEntry) (audio.Platform, error) {
		if e.BaseURL == "" {
			return nil, fmt.Errorf("app: audio/room: base_url is required")
		}
		var opts []room.Option
		if e.APIKey != "" {
			opts = append(opts, room.WithToken(e.APIKey))
		}
		return room.NewPlatform(e.BaseURL, opts...), nil
	})

	return r
}

// Providers bundles one concrete implementation per pipeline concern. Built
// from configuration by [BuildProviders], or assembled by hand in tests.
type Providers struct {
	LLM   llm.Provider
	STT   stt.Provider
	TTS   tts.Provider
	VAD   vad.Engine
	Audio audio.Platform
}

// BuildProviders instantiates every provider named in cfg using reg.
func BuildProviders(cfg *config.Config, reg *config.Registry) (*Providers, error) {
	p := &Providers{}
	var err error

	if p.LLM, err = reg.CreateLLM(cfg.Providers.LLM); err != nil {
		return nil, fmt.Errorf("app: build llm provider: %w", err)
	}
	if p.STT, err = reg.CreateSTT(cfg.Providers.STT); err != nil {
		return nil, fmt.Errorf("app: build stt provider: %w", err)
	}
	if p.TTS, err = reg.CreateTTS(cfg.Providers.TTS); err != nil {
		return nil, fmt.Errorf("app: build tts provider: %w", err)
	}
	if p.VAD, err = reg.CreateVAD(cfg.Providers.VAD); err != nil {
		return nil, fmt.Errorf("app: build vad engine: %w", err)
	}
	if p.Audio, err = reg.CreateAudio(cfg.Providers.Audio); err != nil {
		return nil, fmt.Errorf("app: build audio platform: %w", err)
	}
	return p, nil
}

// optString reads a string value from a provider options map, tolerating a
// missing key or a non-string value.
func optString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
