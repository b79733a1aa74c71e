package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/signalsfoundry/platform-tracker/internal/logging"
	"github.com/signalsfoundry/platform-tracker/model"
)

// DatagramHandler receives one UDP payload for a site. The payload is only
// valid for the duration of the call.
type DatagramHandler func(ctx context.Context, site model.SiteID, payload []byte) error

// UDPSocket defines the socket operations the listener needs. It lets
// tests run without real network connections.
type UDPSocket interface {
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)
	SetReadBuffer(bytes int) error
	SetReadDeadline(t time.Time) error
	Close() error
	LocalAddr() net.Addr
}

// UDPSocketFactory creates UDP sockets.
type UDPSocketFactory interface {
	ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error)
}

// RealUDPSocketFactory implements UDPSocketFactory using net.ListenUDP.
type RealUDPSocketFactory struct{}

// ListenUDP creates a new UDP socket. *net.UDPConn already satisfies
// UDPSocket.
func (RealUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// UDPListenerConfig contains configuration options for the UDP listener.
type UDPListenerConfig struct {
	Site    model.SiteID
	Address string // host:port
	RcvBuf  int
	Handler DatagramHandler
	// SocketFactory is optional; tests inject a mock.
	SocketFactory UDPSocketFactory
	Logger        logging.Logger
}

// UDPListener receives Datagram-Format payloads for one site.
type UDPListener struct {
	cfg UDPListenerConfig
	log logging.Logger

	connMu sync.RWMutex
	conn   UDPSocket
	ready  chan struct{}
}

// maxDatagram is the largest UDP payload.
const maxDatagram = 65535

// NewUDPListener creates a listener; Start opens the socket.
func NewUDPListener(cfg UDPListenerConfig) *UDPListener {
	if cfg.SocketFactory == nil {
		cfg.SocketFactory = RealUDPSocketFactory{}
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Noop()
	}
	return &UDPListener{
		cfg:   cfg,
		log:   log.With(logging.Int("site_id", int(cfg.Site)), logging.String("addr", cfg.Address)),
		ready: make(chan struct{}),
	}
}

// Ready is closed once the socket is open.
func (l *UDPListener) Ready() <-chan struct{} { return l.ready }

// LocalAddr returns the bound address, or nil before Start.
func (l *UDPListener) LocalAddr() net.Addr {
	l.connMu.RLock()
	defer l.connMu.RUnlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Start reads datagrams until ctx is cancelled or the socket is closed.
func (l *UDPListener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := l.cfg.SocketFactory.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	defer conn.Close()

	l.connMu.Lock()
	l.conn = conn
	l.connMu.Unlock()
	close(l.ready)

	if l.cfg.RcvBuf > 0 {
		if err := conn.SetReadBuffer(l.cfg.RcvBuf); err != nil {
			l.log.Warn(ctx, "failed to set UDP receive buffer", logging.Int("bytes", l.cfg.RcvBuf), logging.Err(err))
		}
	}
	l.log.Info(ctx, "UDP listener started", logging.String("local", conn.LocalAddr().String()))

	buffer := make([]byte, maxDatagram)
	var deadlineErrLogged bool
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Short deadlines let the loop observe cancellation.
		if err := conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond)); err != nil && !deadlineErrLogged {
			l.log.Warn(ctx, "failed to set read deadline", logging.Err(err))
			deadlineErrLogged = true
		}

		n, from, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.log.Warn(ctx, "UDP read error", logging.Err(err))
			continue
		}

		if err := l.cfg.Handler(ctx, l.cfg.Site, buffer[:n]); err != nil {
			l.log.Debug(ctx, "datagram rejected", logging.Any("from", from), logging.Err(err))
		}
	}
}
