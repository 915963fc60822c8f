package comm

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/scenelink/internal/protocol/frame"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// WebSocketPath is the HTTP upgrade endpoint served by websocket listeners.
const WebSocketPath = "/scenelink"

// wsLink carries exactly one frame per binary websocket message.
type wsLink struct {
	conn   *websocket.Conn
	limits frame.Limits
}

func newWSLink(conn *websocket.Conn, limits frame.Limits) *wsLink {
	conn.SetReadLimit(int64(frame.FixedHeaderLen) + int64(limits.MaxPayloadBytes))
	return &wsLink{conn: conn, limits: limits}
}

func (l *wsLink) ReadFrame() (frame.Frame, error) {
	messageType, data, err := l.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return frame.Frame{}, io.EOF
		}
		return frame.Frame{}, err
	}
	if messageType != websocket.BinaryMessage {
		return frame.Frame{}, fmt.Errorf("comm: unexpected websocket message type %d", messageType)
	}
	return frame.Unmarshal(data, l.limits)
}

func (l *wsLink) WriteFrame(f frame.Frame) error {
	data, err := frame.Marshal(f, l.limits)
	if err != nil {
		return err
	}
	return l.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (l *wsLink) SetReadDeadline(t time.Time) error  { return l.conn.SetReadDeadline(t) }
func (l *wsLink) SetWriteDeadline(t time.Time) error { return l.conn.SetWriteDeadline(t) }
func (l *wsLink) Close() error                       { return l.conn.Close() }
func (l *wsLink) RemoteAddr() string                 { return l.conn.RemoteAddr().String() }

// wsAcceptor turns upgraded HTTP requests into links.
type wsAcceptor struct {
	ln       net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader
	limits   frame.Limits
	links    chan link
	done     chan struct{}
	once     sync.Once
}

func (a *wsAcceptor) upgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("comm websocket upgrade failed")
		return
	}
	select {
	case a.links <- newWSLink(conn, a.limits):
	case <-a.done:
		_ = conn.Close()
	}
}

func (a *wsAcceptor) Accept() (link, error) {
	select {
	case l := <-a.links:
		return l, nil
	case <-a.done:
		return nil, net.ErrClosed
	}
}

func (a *wsAcceptor) Close() error {
	var err error
	a.once.Do(func() {
		close(a.done)
		err = a.srv.Close()
	})
	return err
}

func (a *wsAcceptor) Addr() string { return a.ln.Addr().String() }

type wsTransport struct {
	cfg    Config
	limits frame.Limits
}

func newWSTransport(cfg Config) wsTransport {
	return wsTransport{cfg: cfg, limits: frame.Limits{MaxPayloadBytes: cfg.MaxPayloadBytes}}
}

func (t wsTransport) listen() (acceptor, error) {
	ln, err := t.cfg.listen()
	if err != nil {
		return nil, err
	}
	acc := &wsAcceptor{
		ln: ln,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: t.cfg.HandshakeTimeout,
		},
		limits: t.limits,
		links:  make(chan link),
		done:   make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(WebSocketPath, acc.upgrade)
	acc.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: t.cfg.HandshakeTimeout,
	}
	go func() {
		if err := acc.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Msg("comm websocket server stopped")
		}
	}()
	return acc, nil
}

func (t wsTransport) dial(ctx context.Context, addr string) (link, error) {
	target, hostPort, err := t.endpoint(addr)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: t.cfg.HandshakeTimeout,
	}
	if t.cfg.TLS.Enabled {
		tlsCfg, err := t.cfg.clientTLSConfig(hostPort)
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = tlsCfg
	}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, err
	}
	return newWSLink(conn, t.limits), nil
}

// endpoint expands a bare host:port peer into a ws:// or wss:// endpoint.
func (t wsTransport) endpoint(addr string) (string, string, error) {
	if strings.Contains(addr, "://") {
		u, err := url.Parse(addr)
		if err != nil {
			return "", "", err
		}
		return addr, u.Host, nil
	}
	scheme := "ws"
	if t.cfg.TLS.Enabled {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: addr, Path: WebSocketPath}
	return u.String(), addr, nil
}
