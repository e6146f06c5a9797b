// Package config provides the configuration schema, loader, hot-reload
// watcher and provider registry for the doctor.ai server.
package config

import "time"

// LogLevel controls log verbosity for the doctor.ai server.
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

// Config is the root configuration structure for doctor.ai.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`

	// Persona selects the built-in persona ("doctor" or "gaming"). It shapes
	// the voice session and the consult lab. Hot-reloadable.
	Persona string `yaml:"persona"`

	Voice VoiceConfig `yaml:"voice"`
	Labs  LabsConfig  `yaml:"labs"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig declares the backends the server talks to.
type ProvidersConfig struct {
	// S2S is the streaming speech-to-speech provider for voice sessions.
	S2S ProviderEntry `yaml:"s2s"`

	// GenAI is the hosted generative API used by the labs.
	GenAI GenAIConfig `yaml:"genai"`

	// LLM is the optional chat-completion provider the consult lab falls
	// back to when the grounded model fails.
	LLM ProviderEntry `yaml:"llm"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "gemini-live").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API. May be given
	// as a ${ENV_VAR} reference.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered by the fields above.
	Options map[string]any `yaml:"options"`
}

// GenAIConfig configures the hosted generative API client.
type GenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// VoiceConfig holds the voice session parameters. Voice and Instructions
// override the persona defaults and apply to the next session.
type VoiceConfig struct {
	Voice            string `yaml:"voice"`
	Instructions     string `yaml:"instructions"`
	InputSampleRate  int    `yaml:"input_sample_rate"`
	OutputSampleRate int    `yaml:"output_sample_rate"`

	// FrameSize is the microphone frame length in samples.
	FrameSize int `yaml:"frame_size"`
}

// LabsConfig holds per-lab model choices. All fields are hot-reloadable.
type LabsConfig struct {
	Consult ModelConfig  `yaml:"consult"`
	Maps    ModelConfig  `yaml:"maps"`
	Images  ImagesConfig `yaml:"images"`
	Video   VideoConfig  `yaml:"video"`
}

// ModelConfig selects a model.
type ModelConfig struct {
	Model string `yaml:"model"`
}

// ImagesConfig configures the imaging lab.
type ImagesConfig struct {
	Model       string `yaml:"model"`
	EditModel   string `yaml:"edit_model"`
	AspectRatio string `yaml:"aspect_ratio"`
	ImageSize   string `yaml:"image_size"`
}

// VideoConfig configures the video lab.
type VideoConfig struct {
	Model        string        `yaml:"model"`
	Resolution   string        `yaml:"resolution"`
	PollInterval time.Duration `yaml:"poll_interval"`

	// MaxJobs bounds concurrently running video jobs. Read at startup only.
	MaxJobs int `yaml:"max_jobs"`
}
