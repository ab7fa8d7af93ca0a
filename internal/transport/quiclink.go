package transport

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
)

const defaultSendQueueDepth = 256

var quicConfig = &quic.Config{
	EnableDatagrams: true,
	KeepAlivePeriod: 10 * time.Second,
	MaxIdleTimeout:  60 * time.Second,
}

// QUICLink carries bond datagrams over one QUIC connection. Each link
// runs its own writer goroutine so Send never blocks on the network; the
// queue between Send and the writer is the link's outstanding-send queue.
type QUICLink struct {
	id    uuid.UUID
	conn  *quic.Conn
	sendq chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// NewQUICLink wraps an established QUIC connection as a bond link.
func NewQUICLink(conn *quic.Conn) *QUICLink {
	l := &QUICLink{
		id:    uuid.New(),
		conn:  conn,
		sendq: make(chan []byte, defaultSendQueueDepth),
		done:  make(chan struct{}),
	}
	go l.writeLoop()
	return l
}

// DialQUIC establishes a QUIC connection to addr and wraps it as a link.
func DialQUIC(ctx context.Context, addr string, tlsConfig *tls.Config) (*QUICLink, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig)
	if err != nil {
		return nil, err
	}
	return NewQUICLink(conn), nil
}

// QUICListener accepts inbound bond links.
type QUICListener struct {
	listener *quic.Listener
}

// ListenQUIC starts a QUIC listener for inbound links.
func ListenQUIC(addr string, tlsConfig *tls.Config) (*QUICListener, error) {
	listener, err := quic.ListenAddr(addr, tlsConfig, quicConfig)
	if err != nil {
		return nil, err
	}
	return &QUICListener{listener: listener}, nil
}

// Accept waits for the next inbound connection and wraps it as a link.
func (l *QUICListener) Accept(ctx context.Context) (*QUICLink, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return NewQUICLink(conn), nil
}

// Close closes the listener.
func (l *QUICListener) Close() error {
	return l.listener.Close()
}

func (l *QUICLink) writeLoop() {
	for {
		select {
		case <-l.done:
			return
		case buf := <-l.sendq:
			// Datagrams are fire-and-forget; a failed send surfaces as
			// loss to the receiver and is handled by retransmit/FEC.
			_ = l.conn.SendDatagram(buf)
		}
	}
}

func (l *QUICLink) ID() uuid.UUID { return l.id }

func (l *QUICLink) Send(ctx context.Context, datagram []byte) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	buf := make([]byte, len(datagram))
	copy(buf, datagram)
	select {
	case l.sendq <- buf:
		return nil
	default:
		return ErrQueueFull
	}
}

func (l *QUICLink) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-l.done:
		return nil, ErrClosed
	default:
	}
	return l.conn.ReceiveDatagram(ctx)
}

func (l *QUICLink) Occupancy() (queued, capacity int) {
	return len(l.sendq), cap(l.sendq)
}

func (l *QUICLink) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.conn.CloseWithError(0, "link closed")
	})
	return err
}
