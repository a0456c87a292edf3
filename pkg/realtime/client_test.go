package realtime

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// wsHandler runs one accepted connection. Returning closes it.
type wsHandler func(ctx context.Context, conn *websocket.Conn)

func newWSServer(t *testing.T, handler wsHandler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		handler(r.Context(), conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// drain holds the connection open until the client closes it.
func drain(ctx context.Context, conn *websocket.Conn) {
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

func dialTestClient(t *testing.T, srv *httptest.Server, opts ClientOptions) *Client {
	t.Helper()
	opts.URL = wsURL(srv)
	client := NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Dial(ctx); err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer closeCancel()
		_ = client.Close(closeCtx)
	})
	return client
}

func TestUpdateSessionEnvelope(t *testing.T) {
	received := make(chan map[string]any, 1)
	srv := newWSServer(t, func(ctx context.Context, conn *websocket.Conn) {
		var env map[string]any
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return
		}
		received <- env
		drain(ctx, conn)
	})

	client := dialTestClient(t, srv, ClientOptions{})
	if err := client.UpdateSession(context.Background(), SessionConfig{Voice: "echo"}); err != nil {
		t.Fatalf("update session: %v", err)
	}

	select {
	case env := <-received:
		if env["type"] != TypeSessionUpdate {
			t.Errorf("expected %s, got %v", TypeSessionUpdate, env["type"])
		}
		session, ok := env["session"].(map[string]any)
		if !ok || session["voice"] != "echo" {
			t.Errorf("unexpected session payload: %v", env["session"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the envelope")
	}
}

func TestAppendAudioCoalesces(t *testing.T) {
	received := make(chan map[string]any, 1)
	srv := newWSServer(t, func(ctx context.Context, conn *websocket.Conn) {
		var env map[string]any
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return
		}
		received <- env
		drain(ctx, conn)
	})

	// A long interval so only the chunk-count threshold flushes.
	client := dialTestClient(t, srv, ClientOptions{
		FlushInterval: time.Minute,
		FlushChunks:   4,
	})

	chunks := [][]byte{{1, 2}, {3, 4}, {5, 6}, {7, 8}}
	for _, chunk := range chunks {
		if err := client.AppendAudio(chunk); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	select {
	case env := <-received:
		if env["type"] != TypeAudioAppend {
			t.Fatalf("expected %s, got %v", TypeAudioAppend, env["type"])
		}
		audio, err := base64.StdEncoding.DecodeString(env["audio"].(string))
		if err != nil {
			t.Fatalf("audio payload not base64: %v", err)
		}
		if !bytes.Equal(audio, []byte{1, 2, 3, 4, 5, 6, 7, 8}) {
			t.Errorf("expected coalesced chunks, got %v", audio)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("append never flushed")
	}
}

func TestAudioDeltaDecoded(t *testing.T) {
	pcm := []byte{10, 20, 30, 40}
	srv := newWSServer(t, func(ctx context.Context, conn *websocket.Conn) {
		env := map[string]any{
			"type":    TypeAudioDelta,
			"turn_id": "r1",
			"delta":   base64.StdEncoding.EncodeToString(pcm),
		}
		if err := wsjson.Write(ctx, conn, env); err != nil {
			return
		}
		drain(ctx, conn)
	})

	client := dialTestClient(t, srv, ClientOptions{})

	select {
	case evt := <-client.Events():
		if evt.Type != TypeAudioDelta {
			t.Fatalf("expected audio delta, got %s", evt.Type)
		}
		if evt.TurnID != "r1" {
			t.Errorf("expected turn r1, got %q", evt.TurnID)
		}
		if !bytes.Equal(evt.Audio, pcm) {
			t.Errorf("expected decoded PCM %v, got %v", pcm, evt.Audio)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func TestUnknownEventIgnored(t *testing.T) {
	srv := newWSServer(t, func(ctx context.Context, conn *websocket.Conn) {
		for _, env := range []map[string]any{
			{"type": "rate_limits.updated"},
			{"type": TypeResponseDone, "turn_id": "r1"},
		} {
			if err := wsjson.Write(ctx, conn, env); err != nil {
				return
			}
		}
		drain(ctx, conn)
	})

	client := dialTestClient(t, srv, ClientOptions{})

	select {
	case evt := <-client.Events():
		if evt.Type != TypeResponseDone {
			t.Errorf("expected the unknown type to be skipped, got %s", evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func TestErrorEnvelopeIsTerminal(t *testing.T) {
	srv := newWSServer(t, func(ctx context.Context, conn *websocket.Conn) {
		env := map[string]any{
			"type":  TypeError,
			"error": map[string]any{"message": "session expired"},
		}
		if err := wsjson.Write(ctx, conn, env); err != nil {
			return
		}
		drain(ctx, conn)
	})

	client := dialTestClient(t, srv, ClientOptions{})

	select {
	case evt := <-client.Events():
		if evt.Type != TypeError {
			t.Fatalf("expected error event, got %s", evt.Type)
		}
		if !errors.Is(evt.Err, ErrRemoteProtocol) {
			t.Errorf("expected ErrRemoteProtocol, got %v", evt.Err)
		}
		if !strings.Contains(evt.Err.Error(), "session expired") {
			t.Errorf("expected remote message preserved, got %v", evt.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}

	select {
	case _, ok := <-client.Events():
		if ok {
			t.Error("expected the event channel to close after a terminal error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event channel never closed")
	}
}

func TestConnectionLossEmitsTerminalError(t *testing.T) {
	srv := newWSServer(t, func(ctx context.Context, conn *websocket.Conn) {
		// Return immediately: the connection drops under the client.
	})

	client := dialTestClient(t, srv, ClientOptions{})

	select {
	case evt, ok := <-client.Events():
		if !ok {
			t.Fatal("expected a terminal error event before close")
		}
		if evt.Type != TypeError || !errors.Is(evt.Err, ErrRemoteProtocol) {
			t.Errorf("expected wrapped protocol error, got %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func TestSendBeforeDial(t *testing.T) {
	client := NewClient(ClientOptions{URL: "ws://127.0.0.1:0"})

	if err := client.CommitInput(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := client.AppendAudio([]byte{1}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
}

func TestAppendAudioDoesNotBlockOnSlowServer(t *testing.T) {
	srv := newWSServer(t, func(ctx context.Context, conn *websocket.Conn) {
		conn.SetReadLimit(32 << 20)
		// Leave the socket unread long enough for its buffers to jam.
		time.Sleep(500 * time.Millisecond)
		drain(ctx, conn)
	})

	client := dialTestClient(t, srv, ClientOptions{
		FlushInterval: time.Minute,
		FlushChunks:   1,
	})

	// Far more data than the socket buffers hold: inline writes would
	// stall here until the server starts reading.
	chunk := make([]byte, 256*1024)
	begin := time.Now()
	for i := 0; i < 32; i++ {
		if err := client.AppendAudio(chunk); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if elapsed := time.Since(begin); elapsed > 250*time.Millisecond {
		t.Errorf("appends took %s while the socket was jammed", elapsed)
	}
}

func TestCloseUnblocksWithUnconsumedEvents(t *testing.T) {
	srv := newWSServer(t, func(ctx context.Context, conn *websocket.Conn) {
		// More events than the client buffers; nobody consumes them.
		for i := 0; i < 300; i++ {
			env := map[string]any{"type": TypeResponseDone, "turn_id": "r"}
			if err := wsjson.Write(ctx, conn, env); err != nil {
				return
			}
		}
		drain(ctx, conn)
	})

	client := dialTestClient(t, srv, ClientOptions{})

	// Let the read loop fill the event buffer and wedge on the overflow.
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	begin := time.Now()
	if err := client.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if elapsed := time.Since(begin); elapsed > 1500*time.Millisecond {
		t.Errorf("close took %s with a wedged consumer", elapsed)
	}
}
