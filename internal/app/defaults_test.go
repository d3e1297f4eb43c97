package app

import (
	"errors"
	"strings"
	"testing"

	"github.com/voxloop/voxloop/internal/config"
	"github.com/voxloop/voxloop/pkg/audio"
	audiomock "github.com/voxloop/voxloop/pkg/audio/mock"
	"github.com/voxloop/voxloop/pkg/provider/llm"
	llmmock "github.com/voxloop/voxloop/pkg/provider/llm/mock"
	"github.com/voxloop/voxloop/pkg/provider/stt"
	sttmock "github.com/voxloop/voxloop/pkg/provider/stt/mock"
	"github.com/voxloop/voxloop/pkg/provider/tts"
	ttsmock "github.com/voxloop/voxloop/pkg/provider/tts/mock"
	"github.com/voxloop/voxloop/pkg/provider/vad"
	vadmock "github.com/voxloop/voxloop/pkg/provider/vad/mock"
)

func TestDefaultRegistry_CoversEveryDocumentedProvider(t *testing.T) {
	r := DefaultRegistry()

	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			entry := config.ProviderEntry{Name: name}
			var err error
			switch kind {
			case "llm":
				_, err = r.CreateLLM(entry)
			case "stt":
				_, err = r.CreateSTT(entry)
			case "tts":
				_, err = r.CreateTTS(entry)
			case "vad":
				_, err = r.CreateVAD(entry)
			case "audio":
				_, err = r.CreateAudio(entry)
			}
			// Factories may reject incomplete entries, but every documented
			// name must at least be registered.
			if errors.Is(err, config.ErrProviderNotRegistered) {
				t.Errorf("%s/%s not registered", kind, name)
			}
		}
	}
}

func TestDefaultRegistry_EnergyVADNeedsNoConfig(t *testing.T) {
	r := DefaultRegistry()
	engine, err := r.CreateVAD(config.ProviderEntry{Name: "energy"})
	if err != nil {
		t.Fatalf("CreateVAD: %v", err)
	}
	if engine == nil {
		t.Fatal("CreateVAD returned nil engine")
	}
}

func TestDefaultRegistry_RoomRequiresBaseURL(t *testing.T) {
	r := DefaultRegistry()

	if _, err := r.CreateAudio(config.ProviderEntry{Name: "room"}); err == nil {
		t.Error("room platform created without base_url")
	}

	platform, err := r.CreateAudio(config.ProviderEntry{
		Name:    "room",
		BaseURL: "wss://rooms.example.com",
		APIKey:  "tok",
	})
	if err != nil {
		t.Fatalf("CreateAudio: %v", err)
	}
	if platform == nil {
		t.Fatal("CreateAudio returned nil platform")
	}
}

func TestDefaultRegistry_NativeWhisperRequiresModelPath(t *testing.T) {
	r := DefaultRegistry()
	_, err := r.CreateSTT(config.ProviderEntry{Name: "whisper-native"})
	if err == nil || !strings.Contains(err.Error(), "model_path") {
		t.Errorf("CreateSTT = %v, want the missing model_path rejected", err)
	}
}

func mockRegistry() *config.Registry {
	r := config.NewRegistry()
	r.RegisterLLM("mock", func(config.ProviderEntry) (llm.Provider, error) { return &llmmock.Provider{}, nil })
	r.RegisterSTT("mock", func(config.ProviderEntry) (stt.Provider, error) { return &sttmock.Provider{}, nil })
	r.RegisterTTS("mock", func(config.ProviderEntry) (tts.Provider, error) { return &ttsmock.Provider{}, nil })
	r.RegisterVAD("mock", func(config.ProviderEntry) (vad.Engine, error) { return &vadmock.Engine{}, nil })
	r.RegisterAudio("mock", func(config.ProviderEntry) (audio.Platform, error) { return &audiomock.Platform{}, nil })
	return r
}

func mockProviderConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Providers.LLM.Name = "mock"
	cfg.Providers.STT.Name = "mock"
	cfg.Providers.TTS.Name = "mock"
	cfg.Providers.VAD.Name = "mock"
	cfg.Providers.Audio.Name = "mock"
	return cfg
}

func TestBuildProviders_AssemblesEveryConcern(t *testing.T) {
	p, err := BuildProviders(mockProviderConfig(), mockRegistry())
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}
	if p.LLM == nil || p.STT == nil || p.TTS == nil || p.VAD == nil || p.Audio == nil {
		t.Errorf("incomplete providers: %+v", p)
	}
}

func TestBuildProviders_MissingProviderFails(t *testing.T) {
	cfg := mockProviderConfig()
	cfg.Providers.TTS.Name = "unregistered"

	_, err := BuildProviders(cfg, mockRegistry())
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("BuildProviders = %v, want ErrProviderNotRegistered", err)
	}
	if !strings.Contains(err.Error(), "tts") {
		t.Errorf("error does not name the failing concern: %v", err)
	}
}
