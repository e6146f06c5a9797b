package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/doctorai/internal/lab"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"s2s": {"gemini-live", "openai-realtime"},
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":8080"
	DefaultPersona          = "doctor"
	DefaultS2SProvider      = "gemini-live"
	DefaultInputSampleRate  = 16000
	DefaultOutputSampleRate = 24000
	DefaultFrameSize        = 4096
)

// videoResolutions lists the accepted labs.video.resolution values.
var videoResolutions = []string{"720p", "1080p"}

// envRef matches ${NAME} references.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
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

// LoadFromReader expands ${ENV_VAR} references, decodes a YAML config from r
// with unknown keys rejected, applies defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	raw = expandEnv(raw)

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnv replaces ${NAME} with the value of the environment variable
// NAME. Unset variables expand to the empty string.
func expandEnv(b []byte) []byte {
	return envRef.ReplaceAllFunc(b, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// ApplyDefaults fills unset fields. Lab model defaults are left to the lab
// package so that an empty value always means "current default".
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Persona == "" {
		cfg.Persona = DefaultPersona
	}
	if cfg.Providers.S2S.Name == "" {
		cfg.Providers.S2S.Name = DefaultS2SProvider
	}
	if cfg.Voice.InputSampleRate == 0 {
		cfg.Voice.InputSampleRate = DefaultInputSampleRate
	}
	if cfg.Voice.OutputSampleRate == 0 {
		cfg.Voice.OutputSampleRate = DefaultOutputSampleRate
	}
	if cfg.Voice.FrameSize == 0 {
		cfg.Voice.FrameSize = DefaultFrameSize
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	validateProviderName("s2s", cfg.Providers.S2S.Name)
	validateProviderName("llm", cfg.Providers.LLM.Name)
	if cfg.Providers.S2S.APIKey == "" {
		slog.Warn("providers.s2s.api_key is empty; voice sessions will fail to connect")
	}
	if cfg.Providers.GenAI.APIKey == "" {
		slog.Warn("providers.genai.api_key is empty; labs are disabled")
	}

	if cfg.Persona != "" {
		if _, ok := lab.LookupPersona(cfg.Persona); !ok {
			errs = append(errs, fmt.Errorf("persona %q is invalid; valid values: %v", cfg.Persona, lab.PersonaNames()))
		}
	}

	if cfg.Voice.InputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("voice.input_sample_rate %d must be positive", cfg.Voice.InputSampleRate))
	}
	if cfg.Voice.OutputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("voice.output_sample_rate %d must be positive", cfg.Voice.OutputSampleRate))
	}
	if cfg.Voice.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("voice.frame_size %d must be positive", cfg.Voice.FrameSize))
	}

	if size := cfg.Labs.Images.ImageSize; size != "" && !slices.Contains(lab.ImageSizes, size) {
		errs = append(errs, fmt.Errorf("labs.images.image_size %q is invalid; valid values: %v", size, lab.ImageSizes))
	}
	if res := cfg.Labs.Video.Resolution; res != "" && !slices.Contains(videoResolutions, res) {
		errs = append(errs, fmt.Errorf("labs.video.resolution %q is invalid; valid values: %v", res, videoResolutions))
	}
	if cfg.Labs.Video.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("labs.video.poll_interval %s must be positive", cfg.Labs.Video.PollInterval))
	}
	if cfg.Labs.Video.MaxJobs < 0 {
		errs = append(errs, fmt.Errorf("labs.video.max_jobs %d must not be negative", cfg.Labs.Video.MaxJobs))
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
