// =============================================================================
// 文件: internal/transport/websocket.go
// 描述: WebSocket 数据报传输 - UDP 不可达时使用，每条二进制消息即一个数据报
// =============================================================================
package transport

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/mrcgq/rdt/internal/logging"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsCloseTimeout = time.Second
	wsQueueSize    = 1024
)

// WSAddr WebSocket 端点地址
type WSAddr string

func (a WSAddr) Network() string { return "ws" }
func (a WSAddr) String() string  { return string(a) }

// WebSocketTransport 单个 WebSocket 连接上的数据报传输
//
// gorilla 的连接在读超时后不可再用，因此由独立协程持续读取，
// Receive 从队列中按截止时间取数据。
type WebSocketTransport struct {
	conn   *websocket.Conn
	local  WSAddr
	remote WSAddr

	writeMu sync.Mutex

	inbox   chan []byte
	done    chan struct{}
	readErr error

	closed    chan struct{}
	closeOnce sync.Once
}

func newWebSocketTransport(conn *websocket.Conn, maxDatagramSize int) *WebSocketTransport {
	if maxDatagramSize <= 0 {
		maxDatagramSize = DefaultMaxDatagramSize
	}
	conn.SetReadLimit(int64(maxDatagramSize))

	t := &WebSocketTransport{
		conn:   conn,
		local:  WSAddr(conn.LocalAddr().String()),
		remote: WSAddr(conn.RemoteAddr().String()),
		inbox:  make(chan []byte, wsQueueSize),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// DialWebSocket 连接 WebSocket 端点 (ws://host:port/path)
func DialWebSocket(ctx context.Context, url string, maxDatagramSize int) (*WebSocketTransport, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   32 * 1024,
		WriteBufferSize:  32 * 1024,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "WebSocket 连接失败: %s", url)
	}
	return newWebSocketTransport(conn, maxDatagramSize), nil
}

func (t *WebSocketTransport) readLoop() {
	defer close(t.done)

	for {
		messageType, data, err := t.conn.ReadMessage()
		if err != nil {
			t.readErr = err
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		select {
		case t.inbox <- data:
		default:
			// 队列满，丢弃
		}
	}
}

// Send 发送一条二进制消息
func (t *WebSocketTransport) Send(b []byte, to net.Addr) error {
	if to == nil {
		return ErrNoPeer
	}
	if !SameAddr(to, t.remote) {
		return ErrUnknownPeer
	}
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := t.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return errors.Wrap(err, "WebSocket 写入失败")
	}
	return nil
}

// Receive 带截止时间读取
func (t *WebSocketTransport) Receive(deadline time.Time) ReadResult {
	// 已排队的数据优先
	select {
	case data := <-t.inbox:
		return ReadResult{Data: data, From: t.remote, Status: ReadOK}
	default:
	}

	wait := time.Until(deadline)
	if wait <= 0 {
		if r, ok := t.terminal(); ok {
			return r
		}
		return timeoutResult()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case data := <-t.inbox:
		return ReadResult{Data: data, From: t.remote, Status: ReadOK}
	case <-t.closed:
		return errorResult(ErrClosed)
	case <-t.done:
		// 读协程退出前入队的数据仍需交付
		select {
		case data := <-t.inbox:
			return ReadResult{Data: data, From: t.remote, Status: ReadOK}
		default:
		}
		r, _ := t.terminal()
		return r
	case <-timer.C:
		return timeoutResult()
	}
}

func (t *WebSocketTransport) terminal() (ReadResult, bool) {
	select {
	case <-t.closed:
		return errorResult(ErrClosed), true
	case <-t.done:
		if websocket.IsCloseError(t.readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return errorResult(ErrClosed), true
		}
		return errorResult(errors.Wrap(t.readErr, "WebSocket 读取失败")), true
	default:
		return ReadResult{}, false
	}
}

// LocalAddr 本地地址
func (t *WebSocketTransport) LocalAddr() net.Addr {
	return t.local
}

// RemoteAddr 对端地址，作为 Send 的目标
func (t *WebSocketTransport) RemoteAddr() net.Addr {
	return t.remote
}

// Done 连接结束时关闭
func (t *WebSocketTransport) Done() <-chan struct{} {
	return t.done
}

// Close 发送关闭帧并断开
func (t *WebSocketTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		t.writeMu.Lock()
		t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(wsCloseTimeout))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

// =============================================================================
// 服务端
// =============================================================================

// WebSocketListener 接受 WebSocket 连接并转换为数据报传输
type WebSocketListener struct {
	path            string
	maxDatagramSize int
	log             zerolog.Logger

	upgrader   websocket.Upgrader
	httpServer *http.Server
	listener   net.Listener

	accept    chan *WebSocketTransport
	conns     sync.Map // *WebSocketTransport -> struct{}
	stopCh    chan struct{}
	closeOnce sync.Once

	activeConns int64
}

// NewWebSocketListener 创建监听器，可直接作为 http.Handler 挂载
func NewWebSocketListener(path string, maxDatagramSize int, log zerolog.Logger) *WebSocketListener {
	return &WebSocketListener{
		path:            path,
		maxDatagramSize: maxDatagramSize,
		log:             logging.Component(log, "WebSocket"),
		accept:          make(chan *WebSocketTransport, 16),
		stopCh:          make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有来源
			},
		},
	}
}

// ListenWebSocket 在 addr 上启动 HTTP 服务并在 path 上接受连接
func ListenWebSocket(addr, path string, maxDatagramSize int, log zerolog.Logger) (*WebSocketListener, error) {
	l := NewWebSocketListener(path, maxDatagramSize, log)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "监听失败: %s", addr)
	}
	l.listener = ln

	mux := http.NewServeMux()
	mux.Handle(path, l)
	l.httpServer = &http.Server{Handler: mux}

	go func() {
		if err := l.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			l.log.Error().Err(err).Msg("HTTP 服务器错误")
		}
	}()

	l.log.Info().Str("addr", ln.Addr().String()).Str("path", path).Msg("WebSocket 监听已启动")
	return l, nil
}

// Addr 实际监听地址
func (l *WebSocketListener) Addr() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// ServeHTTP 升级连接并交给 Accept，连接结束前不返回
func (l *WebSocketListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Debug().Err(err).Msg("WebSocket 升级失败")
		return
	}

	t := newWebSocketTransport(conn, l.maxDatagramSize)

	select {
	case l.accept <- t:
	case <-l.stopCh:
		t.Close()
		return
	}

	atomic.AddInt64(&l.activeConns, 1)
	l.conns.Store(t, struct{}{})
	defer func() {
		l.conns.Delete(t)
		atomic.AddInt64(&l.activeConns, -1)
	}()

	l.log.Debug().Str("remote", r.RemoteAddr).Msg("WebSocket 连接")

	select {
	case <-t.done:
	case <-t.closed:
	case <-l.stopCh:
		t.Close()
	}
}

// Accept 等待下一个连接
func (l *WebSocketListener) Accept(ctx context.Context) (*WebSocketTransport, error) {
	select {
	case t := <-l.accept:
		return t, nil
	case <-l.stopCh:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetActiveConns 活跃连接数
func (l *WebSocketListener) GetActiveConns() int64 {
	return atomic.LoadInt64(&l.activeConns)
}

// Close 关闭所有连接和 HTTP 服务
func (l *WebSocketListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.stopCh)

		l.conns.Range(func(key, value interface{}) bool {
			key.(*WebSocketTransport).Close()
			return true
		})

		if l.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			l.httpServer.Shutdown(ctx)
		}
	})
	return nil
}
