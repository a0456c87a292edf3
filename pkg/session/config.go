package session

import (
	"fmt"
	"strconv"
)

// Config is resolved once at Start and is immutable for the lifetime of
// a session. Changing any of it means stopping and starting a new
// session, so the local controller and the remote side can never drift.
type Config struct {
	// Model is the remote realtime model identifier.
	Model string
	// Voice is the synthesis voice id.
	Voice string
	// SystemPrompt is sent as the session instructions.
	SystemPrompt string
	// VADEnabled selects energy-based turn taking. When false, turns
	// are ended by an explicit EndTurn call instead.
	VADEnabled bool
	// FunctionCallingEnabled exposes registered tools to the model.
	FunctionCallingEnabled bool
	// IncludeDate and IncludeTime decorate outgoing text messages with
	// the current date/time.
	IncludeDate bool
	IncludeTime bool
}

// DefaultConfig mirrors the stock assistant setup.
func DefaultConfig() Config {
	return Config{
		Model:                  "gpt-4o-mini-realtime-preview-2024-12-17",
		Voice:                  "echo",
		VADEnabled:             true,
		FunctionCallingEnabled: true,
		IncludeDate:            true,
		IncludeTime:            true,
	}
}

// Validate reports whether the config can start a session.
func (c Config) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("%w: model is required", ErrConfiguration)
	}
	if c.Voice == "" {
		return fmt.Errorf("%w: voice is required", ErrConfiguration)
	}
	return nil
}

// Recognized option keys for ParseOptions.
const (
	OptModel           = "model"
	OptVoice           = "voice"
	OptSystemPrompt    = "system_prompt"
	OptVADEnabled      = "vad_enabled"
	OptFunctionCalling = "function_calling_enabled"
	OptIncludeDate     = "include_date"
	OptIncludeTime     = "include_time"
)

// ParseOptions builds a Config from a flat option map, starting from
// DefaultConfig. Unrecognized keys are rejected, not silently ignored.
func ParseOptions(opts map[string]string) (Config, error) {
	cfg := DefaultConfig()
	for key, val := range opts {
		switch key {
		case OptModel:
			cfg.Model = val
		case OptVoice:
			cfg.Voice = val
		case OptSystemPrompt:
			cfg.SystemPrompt = val
		case OptVADEnabled, OptFunctionCalling, OptIncludeDate, OptIncludeTime:
			b, err := strconv.ParseBool(val)
			if err != nil {
				return Config{}, fmt.Errorf("%w: option %q: %q is not a boolean", ErrConfiguration, key, val)
			}
			switch key {
			case OptVADEnabled:
				cfg.VADEnabled = b
			case OptFunctionCalling:
				cfg.FunctionCallingEnabled = b
			case OptIncludeDate:
				cfg.IncludeDate = b
			case OptIncludeTime:
				cfg.IncludeTime = b
			}
		default:
			return Config{}, fmt.Errorf("%w: unrecognized option %q", ErrConfiguration, key)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
