package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"stt":   {"deepgram", "batchwhisper"},
	"tts":   {"elevenlabs"},
	"agent": {"openai"},
}

// apiKeyEnv maps provider names to their conventional API key environment
// variable, used as fallback when api_key is absent from the file.
var apiKeyEnv = map[string]string{
	"deepgram":   "DEEPGRAM_API_KEY",
	"elevenlabs": "ELEVENLABS_API_KEY",
	"openai":     "OPENAI_API_KEY",
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// fallbacks, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyEnvFallbacks(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero-valued fields with their documented defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.TransportEncoding == "" {
		cfg.Server.TransportEncoding = EncodingMuLaw
	}
	if cfg.Pipeline.SampleRate == 0 {
		cfg.Pipeline.SampleRate = 16000
	}
	if cfg.Server.TransportSampleRate == 0 {
		if cfg.Server.TransportEncoding == EncodingMuLaw {
			cfg.Server.TransportSampleRate = 8000
		} else {
			cfg.Server.TransportSampleRate = cfg.Pipeline.SampleRate
		}
	}
	if cfg.Pipeline.TurnTimeout == 0 {
		cfg.Pipeline.TurnTimeout = 60 * time.Second
	}
}

// applyEnvFallbacks fills credential fields from the environment when the
// file leaves them empty.
func applyEnvFallbacks(cfg *Config) {
	fallbackAPIKey(&cfg.Providers.STT)
	fallbackAPIKey(&cfg.Providers.TTS)
	fallbackAPIKey(&cfg.Providers.Agent)
	if cfg.Checkpoint.PostgresDSN == "" {
		cfg.Checkpoint.PostgresDSN = os.Getenv("VOXPIPE_POSTGRES_DSN")
	}
}

func fallbackAPIKey(entry *ProviderEntry) {
	if entry.APIKey == "" {
		if env, ok := apiKeyEnv[entry.Name]; ok {
			entry.APIKey = os.Getenv(env)
		}
	}
	if entry.Fallback != nil {
		fallbackAPIKey(entry.Fallback)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TransportEncoding != "" && !cfg.Server.TransportEncoding.IsValid() {
		errs = append(errs, fmt.Errorf("server.transport_encoding %q is invalid; valid values: mulaw, pcm16", cfg.Server.TransportEncoding))
	}

	// Provider name validation. Unknown names get a warning, not an
	// error, so third-party adapters stay usable.
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("agent", cfg.Providers.Agent.Name)

	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required"))
	}
	if cfg.Providers.Agent.Name == "" {
		errs = append(errs, errors.New("providers.agent.name is required"))
	}

	// Pipeline
	if sr := cfg.Pipeline.SampleRate; sr != 0 && (sr < 8000 || sr > 48000) {
		errs = append(errs, fmt.Errorf("pipeline.sample_rate %d is out of range [8000, 48000]", sr))
	}
	if cfg.Pipeline.TurnTimeout < 0 {
		errs = append(errs, fmt.Errorf("pipeline.turn_timeout %s must not be negative", cfg.Pipeline.TurnTimeout))
	}
	if cfg.Pipeline.Voice.VoiceID == "" {
		errs = append(errs, errors.New("pipeline.voice.voice_id is required"))
	}
	for name, v := range map[string]float64{
		"pipeline.voice.stability":  cfg.Pipeline.Voice.Stability,
		"pipeline.voice.similarity": cfg.Pipeline.Voice.Similarity,
		"pipeline.voice.style":      cfg.Pipeline.Voice.Style,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s %.2f is out of range [0, 1]", name, v))
		}
	}
	if cfg.Pipeline.VAD.EnergyThreshold < 0 {
		errs = append(errs, fmt.Errorf("pipeline.vad.energy_threshold %.1f must not be negative", cfg.Pipeline.VAD.EnergyThreshold))
	}
	if cfg.Pipeline.Filler.Enabled && cfg.Pipeline.Filler.MaxPerTurn < 0 {
		errs = append(errs, fmt.Errorf("pipeline.filler.max_per_turn %d must not be negative", cfg.Pipeline.Filler.MaxPerTurn))
	}

	// Checkpoint availability is a warning: the in-memory store works but
	// loses state on restart.
	if cfg.Checkpoint.PostgresDSN == "" {
		slog.Warn("checkpoint.postgres_dsn is empty; conversation state will not survive a restart")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
