// Package config provides the configuration schema and loader for the
// VoxPipe server.
package config

import "time"

// LogLevel controls log verbosity for the VoxPipe server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Encoding names the wire encoding of the session audio transport.
type Encoding string

const (
	// EncodingMuLaw is 8-bit G.711 μ-law, the telephony default.
	EncodingMuLaw Encoding = "mulaw"

	// EncodingPCM16 is raw 16-bit little-endian PCM.
	EncodingPCM16 Encoding = "pcm16"
)

// IsValid reports whether e is a recognised transport encoding.
func (e Encoding) IsValid() bool {
	return e == EncodingMuLaw || e == EncodingPCM16
}

// Config is the root configuration structure for VoxPipe.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
}

// ServerConfig holds network and logging settings for the VoxPipe server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TransportEncoding is the wire encoding of session audio. Defaults
	// to mulaw.
	TransportEncoding Encoding `yaml:"transport_encoding"`

	// TransportSampleRate is the wire sample rate in Hz. Defaults to 8000
	// for mulaw and to the pipeline rate otherwise.
	TransportSampleRate int `yaml:"transport_sample_rate"`
}

// ProvidersConfig declares which provider implementation to use for each
// pipeline stage.
type ProvidersConfig struct {
	STT   ProviderEntry `yaml:"stt"`
	TTS   ProviderEntry `yaml:"tts"`
	Agent ProviderEntry `yaml:"agent"`
}

// ProviderEntry is the common configuration block shared by all provider
// kinds.
type ProviderEntry struct {
	// Name selects the provider implementation (e.g., "deepgram",
	// "batchwhisper", "elevenlabs", "openai").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API, if any.
	// Falls back to the provider's conventional environment variable
	// (DEEPGRAM_API_KEY, ELEVENLABS_API_KEY, OPENAI_API_KEY) when empty.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "nova-3",
	// "eleven_flash_v2_5", "gpt-4o-mini").
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by
	// the standard fields above.
	Options map[string]any `yaml:"options"`

	// Fallback, when set, names a secondary provider of the same kind.
	// The primary is wrapped in a circuit-breaking failover group and the
	// fallback takes over while the primary is unhealthy. Nested
	// fallbacks are not supported.
	Fallback *ProviderEntry `yaml:"fallback"`
}

// PipelineConfig shapes a session's processing pipeline.
type PipelineConfig struct {
	// SampleRate is the pipeline's internal PCM rate in Hz. Defaults to
	// 16000.
	SampleRate int `yaml:"sample_rate"`

	// Greeting, when non-empty, is synthesized and played at session
	// start.
	Greeting string `yaml:"greeting"`

	// TurnTimeout bounds one agent turn. Defaults to 60s.
	TurnTimeout time.Duration `yaml:"turn_timeout"`

	// Language is the recognition language tag handed to the STT provider
	// (e.g., "en", "de"). Empty lets the provider auto-detect.
	Language string `yaml:"language"`

	// Vocabulary lists domain terms (product names, jargon) that
	// transcripts are phonetically corrected toward.
	Vocabulary []string `yaml:"vocabulary"`

	VAD    VADConfig    `yaml:"vad"`
	Voice  VoiceConfig  `yaml:"voice"`
	Filler FillerConfig `yaml:"filler"`
}

// VADConfig tunes the energy voice activity detector.
type VADConfig struct {
	// EnergyThreshold is the mean absolute sample magnitude separating
	// speech from silence.
	EnergyThreshold float64 `yaml:"energy_threshold"`

	// FrameDuration is the classification frame length.
	FrameDuration time.Duration `yaml:"frame_duration"`

	// SpeechFrames is the onset debounce in consecutive speech frames.
	SpeechFrames int `yaml:"speech_frames"`

	// SilenceFrames is the hangover in consecutive silence frames.
	SilenceFrames int `yaml:"silence_frames"`

	// MinUtterance drops utterances shorter than this.
	MinUtterance time.Duration `yaml:"min_utterance"`
}

// VoiceConfig specifies the TTS voice and synthesis behaviour.
type VoiceConfig struct {
	// VoiceID is the provider-specific voice identifier.
	VoiceID string `yaml:"voice_id"`

	// Stability controls consistency vs. expressiveness in [0, 1].
	Stability float64 `yaml:"stability"`

	// Similarity controls adherence to the original voice in [0, 1].
	Similarity float64 `yaml:"similarity"`

	// Style controls style exaggeration in [0, 1].
	Style float64 `yaml:"style"`

	// FlushDelay batches short agent text fragments before synthesis.
	FlushDelay time.Duration `yaml:"flush_delay"`

	// InterruptCooldown coalesces rapid repeated barge-in interrupts.
	InterruptCooldown time.Duration `yaml:"interrupt_cooldown"`
}

// FillerConfig tunes the filler-phrase middleware.
type FillerConfig struct {
	// Enabled turns the middleware on.
	Enabled bool `yaml:"enabled"`

	// Threshold is the agent-silence latency before a filler is spoken.
	Threshold time.Duration `yaml:"threshold"`

	// Phrases are cycled through as fillers.
	Phrases []string `yaml:"phrases"`

	// MaxPerTurn caps fillers per user turn.
	MaxPerTurn int `yaml:"max_per_turn"`
}

// CheckpointConfig selects the conversation state store.
type CheckpointConfig struct {
	// PostgresDSN is the PostgreSQL connection string for the checkpoint
	// store. Falls back to VOXPIPE_POSTGRES_DSN when empty; when neither
	// is set, an in-memory store is used and state does not survive a
	// restart.
	PostgresDSN string `yaml:"postgres_dsn"`
}
