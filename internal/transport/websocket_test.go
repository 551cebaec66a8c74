// =============================================================================
// 文件: internal/transport/websocket_test.go
// =============================================================================

package transport

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

func newWebSocketPair(t *testing.T) (*WebSocketTransport, *WebSocketTransport, func()) {
	t.Helper()

	l := NewWebSocketListener("/rdt", 0, zerolog.Nop())
	srv := httptest.NewServer(l)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/rdt"
	client, err := DialWebSocket(ctx, url, 0)
	if err != nil {
		srv.Close()
		t.Fatalf("连接失败: %v", err)
	}

	server, err := l.Accept(ctx)
	if err != nil {
		client.Close()
		srv.Close()
		t.Fatalf("Accept 失败: %v", err)
	}

	return client, server, func() {
		client.Close()
		server.Close()
		l.Close()
		srv.Close()
	}
}

func TestWebSocketRoundTrip(t *testing.T) {
	client, server, cleanup := newWebSocketPair(t)
	defer cleanup()

	if err := client.Send([]byte("ping"), client.RemoteAddr()); err != nil {
		t.Fatalf("发送失败: %v", err)
	}
	r := server.Receive(time.Now().Add(2 * time.Second))
	if r.Status != ReadOK || string(r.Data) != "ping" {
		t.Fatalf("服务端读取: %s %q %v", r.Status, r.Data, r.Err)
	}

	if err := server.Send([]byte("pong"), r.From); err != nil {
		t.Fatalf("回复失败: %v", err)
	}
	r = client.Receive(time.Now().Add(2 * time.Second))
	if r.Status != ReadOK || string(r.Data) != "pong" {
		t.Fatalf("客户端读取: %s %q %v", r.Status, r.Data, r.Err)
	}
}

func TestWebSocketMessageBoundaries(t *testing.T) {
	client, server, cleanup := newWebSocketPair(t)
	defer cleanup()

	msgs := []string{"a", "bb", "ccc"}
	for _, m := range msgs {
		client.Send([]byte(m), client.RemoteAddr())
	}
	for _, want := range msgs {
		r := server.Receive(time.Now().Add(2 * time.Second))
		if string(r.Data) != want {
			t.Errorf("got %q, want %q", r.Data, want)
		}
	}
}

func TestWebSocketTimeoutThenRead(t *testing.T) {
	client, server, cleanup := newWebSocketPair(t)
	defer cleanup()

	if r := server.Receive(time.Now().Add(20 * time.Millisecond)); r.Status != ReadTimeout {
		t.Fatalf("应超时, got %s", r.Status)
	}

	// 超时后连接仍可用
	client.Send([]byte("late"), client.RemoteAddr())
	r := server.Receive(time.Now().Add(2 * time.Second))
	if r.Status != ReadOK || string(r.Data) != "late" {
		t.Errorf("超时后读取失败: %s %q", r.Status, r.Data)
	}
}

func TestWebSocketPeerClose(t *testing.T) {
	client, server, cleanup := newWebSocketPair(t)
	defer cleanup()

	client.Send([]byte("bye"), client.RemoteAddr())
	client.Close()

	r := server.Receive(time.Now().Add(2 * time.Second))
	if r.Status != ReadOK || string(r.Data) != "bye" {
		t.Fatalf("关闭前的数据应交付: %s %q", r.Status, r.Data)
	}

	r = server.Receive(time.Now().Add(2 * time.Second))
	if r.Status != ReadError || !errors.Is(r.Err, ErrClosed) {
		t.Errorf("对端关闭后应返回 ErrClosed, got %s %v", r.Status, r.Err)
	}
}

func TestWebSocketUnknownPeer(t *testing.T) {
	client, _, cleanup := newWebSocketPair(t)
	defer cleanup()

	if err := client.Send([]byte("x"), WSAddr("1.2.3.4:5")); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("应返回 ErrUnknownPeer, got %v", err)
	}
}

func TestWebSocketListenerClose(t *testing.T) {
	l := NewWebSocketListener("/rdt", 0, zerolog.Nop())
	l.Close()

	if _, err := l.Accept(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("关闭后 Accept 应返回 ErrClosed, got %v", err)
	}
}
