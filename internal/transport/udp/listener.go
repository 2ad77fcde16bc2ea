// Package udp serves the order protocol over UDP datagrams: one JSON
// request per datagram in, one JSON response per request back to the
// sender's address.
package udp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/alanyoungcy/matchbook/internal/domain"
	"github.com/alanyoungcy/matchbook/internal/metrics"
	"github.com/alanyoungcy/matchbook/internal/protocol"
	"github.com/alanyoungcy/matchbook/internal/service"
)

// Config configures the listener.
type Config struct {
	Addr        string
	MaxDatagram int
	ReadBuffer  int
}

// Listener reads requests and hands them to the order service. Responses
// are written by the origins it creates, through the same socket.
type Listener struct {
	cfg     Config
	intake  *service.OrderService
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	conn  *net.UDPConn
	ready chan struct{}
}

// NewListener creates a listener. Run binds the socket.
func NewListener(cfg Config, intake *service.OrderService, m *metrics.Metrics, logger *slog.Logger) *Listener {
	if cfg.MaxDatagram <= 0 {
		cfg.MaxDatagram = 4096
	}
	return &Listener{
		cfg:     cfg,
		intake:  intake,
		metrics: m,
		logger:  logger.With(slog.String("component", "udp")),
		now:     func() time.Time { return time.Now().UTC() },
		ready:   make(chan struct{}),
	}
}

// Ready is closed once the socket is bound.
func (l *Listener) Ready() <-chan struct{} { return l.ready }

// Addr returns the bound address, or nil before Ready.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Run reads datagrams until ctx is cancelled. The socket stays open after
// Run returns so responses still in flight can be written; call Close once
// the responder has finished.
func (l *Listener) Run(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.cfg.Addr)
	if err != nil {
		return fmt.Errorf("udp: resolve %q: %w", l.cfg.Addr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("udp: listen %q: %w", l.cfg.Addr, err)
	}
	if l.cfg.ReadBuffer > 0 {
		if err := conn.SetReadBuffer(l.cfg.ReadBuffer); err != nil {
			l.logger.Warn("udp: set read buffer", slog.String("error", err.Error()))
		}
	}
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	close(l.ready)

	l.logger.Info("udp: listening",
		slog.String("addr", conn.LocalAddr().String()),
		slog.Int("max_datagram", l.cfg.MaxDatagram),
	)

	// Unblock the pending read without closing the socket.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	buf := make([]byte, l.cfg.MaxDatagram+1)
	var received uint64
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				l.logger.Info("udp: listener stopped", slog.Uint64("received", received))
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.metrics.DatagramsDropped.WithLabelValues("read_error").Inc()
			l.logger.Warn("udp: read failed", slog.String("error", err.Error()))
			continue
		}
		received++
		if n > l.cfg.MaxDatagram {
			l.metrics.DatagramsDropped.WithLabelValues("oversize").Inc()
			l.reply(from, l.intake.Reject("", &protocol.ValidationError{
				Field:  "body",
				Reason: fmt.Sprintf("datagram exceeds %d bytes", l.cfg.MaxDatagram),
			}))
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		l.handle(ctx, data, from)
	}
}

func (l *Listener) handle(ctx context.Context, data []byte, from *net.UDPAddr) {
	origin := &Origin{conn: l.conn, addr: from}
	req, err := protocol.Decode(data)
	if err != nil {
		l.metrics.OrdersRejected.WithLabelValues(metrics.ReasonValidation).Inc()
		l.logger.Debug("udp: malformed request",
			slog.String("from", from.String()),
			slog.String("error", err.Error()),
		)
		l.reply(from, l.intake.Reject("", err))
		return
	}

	order, err := l.intake.Submit(ctx, req, origin)
	if err != nil {
		l.reply(from, l.intake.Reject(order.ID, err))
	}
}

func (l *Listener) reply(to *net.UDPAddr, resp protocol.Response) {
	if err := writeResponse(l.conn, to, resp); err != nil {
		l.logger.Warn("udp: reply failed",
			slog.String("to", to.String()),
			slog.String("error", err.Error()),
		)
	}
}

// Close releases the socket.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	l.conn = nil
	return err
}

// Origin sends a result back to the datagram's sender.
type Origin struct {
	conn *net.UDPConn
	addr *net.UDPAddr
}

// Deliver writes res as a single datagram.
func (o *Origin) Deliver(ctx context.Context, res domain.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return writeResponse(o.conn, o.addr, protocol.NewResponse(res))
}

func (o *Origin) String() string { return "udp://" + o.addr.String() }

func writeResponse(conn *net.UDPConn, to *net.UDPAddr, resp protocol.Response) error {
	data, err := protocol.Encode(resp)
	if err != nil {
		return err
	}
	if _, err := conn.WriteToUDP(data, to); err != nil {
		return fmt.Errorf("udp: write to %s: %w", to, err)
	}
	return nil
}
