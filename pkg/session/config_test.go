package session

import (
	"errors"
	"testing"
)

func TestParseOptionsDefaults(t *testing.T) {
	cfg, err := ParseOptions(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg != DefaultConfig() {
		t.Errorf("expected defaults, got %+v", cfg)
	}
}

func TestParseOptionsOverrides(t *testing.T) {
	cfg, err := ParseOptions(map[string]string{
		OptModel:           "gpt-4o-realtime-preview",
		OptVoice:           "alloy",
		OptSystemPrompt:    "You are terse.",
		OptVADEnabled:      "false",
		OptFunctionCalling: "0",
		OptIncludeDate:     "true",
		OptIncludeTime:     "false",
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Model != "gpt-4o-realtime-preview" || cfg.Voice != "alloy" {
		t.Errorf("model/voice not applied: %+v", cfg)
	}
	if cfg.SystemPrompt != "You are terse." {
		t.Errorf("system prompt not applied: %q", cfg.SystemPrompt)
	}
	if cfg.VADEnabled || cfg.FunctionCallingEnabled || !cfg.IncludeDate || cfg.IncludeTime {
		t.Errorf("boolean options not applied: %+v", cfg)
	}
}

func TestParseOptionsRejectsUnknownKey(t *testing.T) {
	_, err := ParseOptions(map[string]string{"temperature": "0.7"})
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestParseOptionsRejectsBadBool(t *testing.T) {
	_, err := ParseOptions(map[string]string{OptVADEnabled: "maybe"})
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestParseOptionsRejectsEmptyModel(t *testing.T) {
	_, err := ParseOptions(map[string]string{OptModel: ""})
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}

	cfg.Voice = ""
	if err := cfg.Validate(); !errors.Is(err, ErrConfiguration) {
		t.Errorf("expected ErrConfiguration for empty voice, got %v", err)
	}
}
