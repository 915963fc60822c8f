package comm

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/danmuck/scenelink/internal/protocol/frame"
)

type tcpLink struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	limits frame.Limits
}

func newTCPLink(conn net.Conn, limits frame.Limits) *tcpLink {
	return &tcpLink{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		limits: limits,
	}
}

func (l *tcpLink) ReadFrame() (frame.Frame, error) {
	return frame.ReadFrame(l.reader, l.limits)
}

func (l *tcpLink) WriteFrame(f frame.Frame) error {
	if err := frame.WriteFrame(l.writer, f, l.limits); err != nil {
		return err
	}
	return l.writer.Flush()
}

func (l *tcpLink) SetReadDeadline(t time.Time) error  { return l.conn.SetReadDeadline(t) }
func (l *tcpLink) SetWriteDeadline(t time.Time) error { return l.conn.SetWriteDeadline(t) }
func (l *tcpLink) Close() error                       { return l.conn.Close() }
func (l *tcpLink) RemoteAddr() string                 { return l.conn.RemoteAddr().String() }

type tcpAcceptor struct {
	ln     net.Listener
	limits frame.Limits
}

func (a *tcpAcceptor) Accept() (link, error) {
	conn, err := a.ln.Accept()
	if err != nil {
		return nil, err
	}
	return newTCPLink(conn, a.limits), nil
}

func (a *tcpAcceptor) Close() error { return a.ln.Close() }
func (a *tcpAcceptor) Addr() string { return a.ln.Addr().String() }

// tcpTransport frames directly on a byte stream, with optional TLS.
type tcpTransport struct {
	cfg Config
}

func (t tcpTransport) limits() frame.Limits {
	return frame.Limits{MaxPayloadBytes: t.cfg.MaxPayloadBytes}
}

func (t tcpTransport) listen() (acceptor, error) {
	ln, err := t.cfg.listen()
	if err != nil {
		return nil, err
	}
	return &tcpAcceptor{ln: ln, limits: t.limits()}, nil
}

func (t tcpTransport) dial(ctx context.Context, addr string) (link, error) {
	dialer := net.Dialer{Timeout: t.cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if !t.cfg.TLS.Enabled {
		return newTCPLink(rawConn, t.limits()), nil
	}

	tlsCfg, err := t.cfg.clientTLSConfig(addr)
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	return newTCPLink(conn, t.limits()), nil
}
