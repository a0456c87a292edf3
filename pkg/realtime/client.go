package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by send methods before Dial or after Close.
var ErrNotConnected = errors.New("realtime: not connected")

// ErrRemoteProtocol wraps error envelopes and malformed frames from the
// remote side; it terminates the connection's event stream.
var ErrRemoteProtocol = errors.New("realtime: remote protocol error")

const (
	defaultFlushInterval = 50 * time.Millisecond
	defaultFlushChunks   = 8
	readLimit            = 10 * 1024 * 1024
)

// ClientOptions configures a Client. Zero values pick defaults.
type ClientOptions struct {
	// URL of the realtime endpoint, including the model query parameter.
	URL string
	// APIKey is sent as a bearer token.
	APIKey string
	// Header adds extra handshake headers (beta flags and the like).
	Header http.Header
	// FlushInterval bounds how long an appended audio chunk may sit in
	// the outbound buffer before being sent.
	FlushInterval time.Duration
	// FlushChunks flushes early once this many chunks are buffered.
	FlushChunks int
	// Logger defaults to a nop logger.
	Logger *zap.Logger
}

// Client is a duplex realtime connection. It owns exactly one websocket;
// inbound envelopes are demultiplexed onto Events in arrival order, and
// outbound audio is coalesced so device-rate appends never block on the
// network.
type Client struct {
	opts   ClientOptions
	log    *zap.Logger
	events chan ServerEvent

	mu     sync.Mutex // guards conn and writes
	conn   *websocket.Conn
	closed bool

	audioMu     sync.Mutex
	audioBuf    []byte
	pending     int
	flushNotify chan struct{}

	cancelRead context.CancelFunc
	done       chan struct{}
	flushDone  chan struct{}
}

// NewClient creates an unconnected client.
func NewClient(opts ClientOptions) *Client {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.FlushChunks <= 0 {
		opts.FlushChunks = defaultFlushChunks
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		opts:        opts,
		log:         log,
		events:      make(chan ServerEvent, 256),
		flushNotify: make(chan struct{}, 1),
	}
}

// Dial opens the websocket and starts the read and flush loops. The
// handshake is bounded by ctx; callers pass a deadline.
func (c *Client) Dial(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	if c.closed {
		return ErrNotConnected
	}

	header := http.Header{}
	for k, vs := range c.opts.Header {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	if c.opts.APIKey != "" {
		header.Set("Authorization", "Bearer "+c.opts.APIKey)
	}

	conn, _, err := websocket.Dial(ctx, c.opts.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("realtime: dial %s: %w", c.opts.URL, err)
	}
	conn.SetReadLimit(readLimit)
	c.conn = conn

	readCtx, cancel := context.WithCancel(context.Background())
	c.cancelRead = cancel
	c.done = make(chan struct{})
	c.flushDone = make(chan struct{})
	go c.readLoop(readCtx, conn)
	go c.flushLoop(readCtx)
	return nil
}

// Events returns the inbound event stream. The channel is closed after a
// terminal error event or Close.
func (c *Client) Events() <-chan ServerEvent {
	return c.events
}

// UpdateSession sends the session.update envelope.
func (c *Client) UpdateSession(ctx context.Context, cfg SessionConfig) error {
	return c.send(ctx, clientEnvelope{Type: TypeSessionUpdate, Session: &cfg})
}

// AppendAudio buffers one PCM chunk for the next coalesced
// input_audio_buffer.append. It never blocks on the network: the write
// itself always happens on the flush goroutine, which is nudged early
// once FlushChunks are buffered.
func (c *Client) AppendAudio(chunk []byte) error {
	c.mu.Lock()
	connected := c.conn != nil
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	c.audioMu.Lock()
	c.audioBuf = append(c.audioBuf, chunk...)
	c.pending++
	flushNow := c.pending >= c.opts.FlushChunks
	c.audioMu.Unlock()
	if flushNow {
		select {
		case c.flushNotify <- struct{}{}:
		default:
		}
	}
	return nil
}

// CommitInput flushes buffered audio and sends input_audio_buffer.commit.
func (c *Client) CommitInput(ctx context.Context) error {
	c.flushAudio(ctx)
	return c.send(ctx, clientEnvelope{Type: TypeAudioCommit})
}

// CreateResponse asks the model to respond with the given modalities.
func (c *Client) CreateResponse(ctx context.Context, modalities ...string) error {
	env := clientEnvelope{Type: TypeResponseCreate}
	if len(modalities) > 0 {
		env.Response = &ResponseOptions{Modalities: modalities}
	}
	return c.send(ctx, env)
}

// CancelResponse cancels the in-flight response identified by turnID.
func (c *Client) CancelResponse(ctx context.Context, turnID string) error {
	return c.send(ctx, clientEnvelope{Type: TypeResponseCancel, TurnID: turnID})
}

// CreateUserText injects a text-only user message into the conversation.
func (c *Client) CreateUserText(ctx context.Context, text string) error {
	item := &ConversationItem{
		Type:    "message",
		Role:    "user",
		Content: []ItemContent{{Type: "input_text", Text: text}},
	}
	return c.send(ctx, clientEnvelope{Type: TypeItemCreate, Item: item})
}

// SendFunctionOutput returns a tool result to the model.
func (c *Client) SendFunctionOutput(ctx context.Context, callID, output string) error {
	item := &ConversationItem{
		Type:   "function_call_output",
		CallID: callID,
		Output: output,
	}
	return c.send(ctx, clientEnvelope{Type: TypeItemCreate, Item: item})
}

// Close sends a close frame and tears down the loops. Safe to call more
// than once; bounded by ctx.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	cancel := c.cancelRead
	done := c.done
	flushDone := c.flushDone
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "session closed")
	}
	if cancel != nil {
		cancel()
	}
	for _, ch := range []chan struct{}{done, flushDone} {
		if ch == nil {
			continue
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (c *Client) send(ctx context.Context, env clientEnvelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := wsjson.Write(ctx, c.conn, env); err != nil {
		return fmt.Errorf("realtime: send %s: %w", env.Type, err)
	}
	return nil
}

// flushLoop ships buffered audio on a fixed interval, or sooner when the
// chunk-count threshold nudges it, so appended chunks never wait longer
// than FlushInterval.
func (c *Client) flushLoop(ctx context.Context) {
	defer close(c.flushDone)
	ticker := time.NewTicker(c.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.flushAudio(ctx)
		case <-c.flushNotify:
			c.flushAudio(ctx)
		}
	}
}

func (c *Client) flushAudio(ctx context.Context) {
	c.audioMu.Lock()
	if len(c.audioBuf) == 0 {
		c.audioMu.Unlock()
		return
	}
	buf := c.audioBuf
	c.audioBuf = nil
	c.pending = 0
	c.audioMu.Unlock()

	env := clientEnvelope{
		Type:  TypeAudioAppend,
		Audio: base64.StdEncoding.EncodeToString(buf),
	}
	if err := c.send(ctx, env); err != nil {
		c.log.Warn("audio append dropped", zap.Int("bytes", len(buf)), zap.Error(err))
	}
}

// readLoop decodes inbound envelopes in arrival order. A read failure or
// an error envelope produces one terminal event, then the channel closes.
// Reconnection is the caller's decision, not the transport's.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer close(c.done)
	defer close(c.events)
	for {
		_, payload, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed || ctx.Err() != nil {
				return
			}
			select {
			case c.events <- ServerEvent{
				Type: TypeError,
				Err:  fmt.Errorf("%w: connection lost: %v", ErrRemoteProtocol, err),
			}:
			case <-ctx.Done():
			}
			return
		}

		evt, ok := c.decode(payload)
		if !ok {
			continue
		}
		// A gone consumer must not wedge the loop past Close.
		select {
		case c.events <- evt:
		case <-ctx.Done():
			return
		}
		if evt.Type == TypeError {
			return
		}
	}
}

// decode parses one envelope. Unknown types are ignored, not fatal.
func (c *Client) decode(payload []byte) (ServerEvent, bool) {
	var env serverEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return ServerEvent{
			Type: TypeError,
			Err:  fmt.Errorf("%w: malformed envelope: %v", ErrRemoteProtocol, err),
		}, true
	}

	switch env.Type {
	case TypeSpeechStarted, TypeSpeechStopped:
		return ServerEvent{Type: env.Type, TurnID: env.TurnID}, true
	case TypeAudioDelta:
		audio, err := base64.StdEncoding.DecodeString(env.Delta)
		if err != nil {
			c.log.Warn("undecodable audio delta dropped", zap.String("turn_id", env.TurnID), zap.Error(err))
			return ServerEvent{}, false
		}
		return ServerEvent{Type: env.Type, TurnID: env.TurnID, Audio: audio}, true
	case TypeTextDone:
		return ServerEvent{Type: env.Type, TurnID: env.TurnID, Text: env.Text}, true
	case TypeResponseDone:
		evt := ServerEvent{Type: env.Type, TurnID: env.TurnID}
		if env.Response != nil {
			evt.Output = env.Response.Output
		}
		return evt, true
	case TypeError:
		msg := "unspecified"
		if env.Error != nil {
			msg = env.Error.Message
		}
		return ServerEvent{
			Type:   env.Type,
			TurnID: env.TurnID,
			Err:    fmt.Errorf("%w: %s", ErrRemoteProtocol, msg),
		}, true
	default:
		c.log.Debug("ignoring unrecognized event", zap.String("type", env.Type))
		return ServerEvent{}, false
	}
}
