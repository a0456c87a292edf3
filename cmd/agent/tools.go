package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/auralis-ai/auralis/pkg/realtime"
)

const toolTimeout = 30 * time.Second

// osTools exposes the assistant's shell-facing functions to the model:
// running an OS command and printing to the terminal. The heavy command
// namespaces (files, web, media) live behind the dispatcher, not here.
type osTools struct {
	device string
	log    *zap.Logger
}

func newOSTools(device string, log *zap.Logger) *osTools {
	if device == "" {
		device = "unknown"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &osTools{device: device, log: log}
}

func (t *osTools) Definitions() []realtime.ToolDefinition {
	return []realtime.ToolDefinition{
		{
			Type:        "function",
			Name:        "run_os_command",
			Description: fmt.Sprintf("Execute an OS system command on the %s. For example: open -a 'Google Chrome'", t.device),
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"command": {"type": "string", "description": "The OS system command to execute."}
				},
				"required": ["command"]
			}`),
		},
		{
			Type:        "function",
			Name:        "print",
			Description: "Print a message in the terminal.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"message": {"type": "string", "description": "The message to print in the terminal."}
				},
				"required": ["message"]
			}`),
		},
	}
}

func (t *osTools) Invoke(ctx context.Context, name string, args json.RawMessage) (string, error) {
	switch name {
	case "run_os_command":
		var params struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal(args, &params); err != nil {
			return "", fmt.Errorf("bad arguments: %w", err)
		}
		if params.Command == "" {
			return "", fmt.Errorf("command is required")
		}
		t.log.Info("running command", zap.String("command", params.Command))
		cmdCtx, cancel := context.WithTimeout(ctx, toolTimeout)
		defer cancel()
		out, err := exec.CommandContext(cmdCtx, "sh", "-c", params.Command).CombinedOutput()
		if err != nil {
			return "", fmt.Errorf("%s: %w", string(out), err)
		}
		return string(out), nil
	case "print":
		var params struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(args, &params); err != nil {
			return "", fmt.Errorf("bad arguments: %w", err)
		}
		fmt.Println(params.Message)
		return "printed", nil
	default:
		return "", fmt.Errorf("unknown tool %q", name)
	}
}
