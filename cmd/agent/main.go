package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/auralis-ai/auralis/pkg/audio"
	"github.com/auralis-ai/auralis/pkg/realtime"
	"github.com/auralis-ai/auralis/pkg/session"
)

const realtimeBaseURL = "wss://api.openai.com/v1/realtime"

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		fmt.Println("Note: No .env file found, using system environment variables")
	}

	log := newLogger(os.Getenv("LOG_LEVEL"))
	defer log.Sync()

	if len(os.Args) > 1 && os.Args[1] == "mic-check" {
		if err := micCheck(log); err != nil {
			log.Error("mic check failed", zap.Error(err))
			os.Exit(1)
		}
		return
	}

	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		log.Error("OPENAI_API_KEY must be set")
		os.Exit(1)
	}

	cfg, err := session.ParseOptions(envOptions())
	if err != nil {
		log.Error("configuration rejected", zap.Error(err))
		os.Exit(1)
	}

	url := os.Getenv("REALTIME_URL")
	if url == "" {
		url = realtimeBaseURL + "?model=" + cfg.Model
	}
	header := http.Header{}
	header.Set("OpenAI-Beta", "realtime=v1")

	client := realtime.NewClient(realtime.ClientOptions{
		URL:    url,
		APIKey: apiKey,
		Header: header,
		Logger: log.Named("realtime"),
	})

	eng, err := audio.NewEngine(log.Named("audio"))
	if err != nil {
		log.Error("audio backend unavailable", zap.Error(err))
		os.Exit(1)
	}
	defer eng.Close()

	capture := audio.NewCapture(eng, log.Named("capture"))
	playback := audio.NewPlayback(eng, log.Named("playback"))

	ctx := context.Background()
	if err := playback.Start(ctx); err != nil {
		log.Error("speaker unavailable", zap.Error(err))
		os.Exit(1)
	}

	var tools session.ToolRunner
	if cfg.FunctionCallingEnabled {
		tools = newOSTools(os.Getenv("DEVICE"), log.Named("tools"))
	}

	sess := session.NewWithLogger(cfg, client, capture, playback, tools, log.Named("session"))

	if err := sess.Start(ctx); err != nil {
		log.Error("session start failed", zap.Error(err))
		os.Exit(1)
	}

	fmt.Printf("Configured: model=%s | voice=%s | vad=%v | tools=%v\n",
		cfg.Model, cfg.Voice, cfg.VADEnabled, cfg.FunctionCallingEnabled)
	fmt.Println("Voice session started. Speak, or type a message and press enter.")
	if !cfg.VADEnabled {
		fmt.Println("VAD is disabled: type /end to end your spoken turn.")
	}
	fmt.Println("Type /quit or press Ctrl+C to exit.")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

loop:
	for {
		select {
		case <-sig:
			fmt.Println("\nShutting down...")
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "/quit":
				break loop
			case line == "/end":
				sess.EndTurn()
			default:
				reply, err := sess.SendText(ctx, line)
				if err != nil {
					if errors.Is(err, session.ErrBusy) {
						fmt.Println("[busy] a voice turn is in progress, try again")
						continue
					}
					log.Error("text turn failed", zap.Error(err))
					continue
				}
				fmt.Printf("assistant> %s\n", reply)
			}
		}
		if sess.State() == session.StateIdle {
			// The session tore itself down after a fatal error.
			break
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sess.Stop(stopCtx); err != nil {
		log.Warn("shutdown was not clean", zap.Error(err))
	}
	if err := sess.Err(); err != nil {
		log.Error("session ended with error", zap.Error(err))
		os.Exit(1)
	}
}

// envOptions collects only the option keys present in the environment so
// ParseOptions keeps defaults for the rest.
func envOptions() map[string]string {
	opts := map[string]string{}
	for env, key := range map[string]string{
		"OPENAI_MODEL":     session.OptModel,
		"VOICE":            session.OptVoice,
		"INITIAL_PROMPT":   session.OptSystemPrompt,
		"VAD_ENABLED":      session.OptVADEnabled,
		"FUNCTION_CALLING": session.OptFunctionCalling,
		"INCLUDE_DATE":     session.OptIncludeDate,
		"INCLUDE_TIME":     session.OptIncludeTime,
	} {
		if val := os.Getenv(env); val != "" {
			opts[key] = val
		}
	}
	return opts
}

func newLogger(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(level); err == nil && level != "" {
		cfg.Level = lvl
	}
	log, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return log
}

// micCheck records a few seconds from the default microphone and writes
// it to a WAV file, for troubleshooting device setup.
func micCheck(log *zap.Logger) error {
	const duration = 3 * time.Second
	const outFile = "mic-check.wav"

	eng, err := audio.NewEngine(log)
	if err != nil {
		return err
	}
	defer eng.Close()

	capture := audio.NewCapture(eng, log)
	ctx := context.Background()
	if err := capture.Start(ctx); err != nil {
		return err
	}

	fmt.Printf("Recording %s of microphone audio...\n", duration)
	var pcm []byte
	deadline := time.After(duration)
collect:
	for {
		select {
		case frame, ok := <-capture.Frames():
			if !ok {
				break collect
			}
			pcm = append(pcm, frame...)
		case <-deadline:
			break collect
		}
	}

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := capture.Stop(stopCtx); err != nil {
		return err
	}

	if err := os.WriteFile(outFile, audio.NewWavBuffer(pcm, audio.SampleRate), 0o644); err != nil {
		return err
	}
	fmt.Printf("Wrote %d bytes of PCM to %s\n", len(pcm), outFile)
	return nil
}
