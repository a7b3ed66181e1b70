package retarget

import (
	"context"
	"io"
	"net"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// maxDatagram caps the payload of a single UDP send so that ring slices
// larger than a safe MTU are split instead of dropped by the network.
const maxDatagram = 1432

// Sink consumes the stream of exactly one reader. Implementations are
// driven by a single worker goroutine and need no internal locking.
type Sink interface {
	// Name identifies the sink; it doubles as the reader handle.
	Name() string

	// Open prepares the sink for writing.
	Open(ctx context.Context) error

	// Write delivers one slice of the stream.
	Write(ctx context.Context, p []byte) error

	Close() error
}

// WriterSink adapts any io.Writer (a log file, stderr, a pipe) as a sink.
type WriterSink struct {
	name string
	w    io.Writer
}

// NewWriterSink wraps w as a sink. If w is also an io.Closer it is closed
// with the sink.
func NewWriterSink(name string, w io.Writer) *WriterSink {
	return &WriterSink{name: name, w: w}
}

func (s *WriterSink) Name() string               { return s.name }
func (s *WriterSink) Open(context.Context) error { return nil }

func (s *WriterSink) Write(_ context.Context, p []byte) error {
	_, err := s.w.Write(p)
	return err
}

func (s *WriterSink) Close() error {
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// UDPSink forwards the stream as datagrams to a fixed destination. Send
// failures drop the connection; the next write redials with exponential
// backoff.
type UDPSink struct {
	name string
	addr string
	log  *zap.Logger

	conn net.Conn
}

// NewUDPSink builds a sink sending to addr ("host:port").
func NewUDPSink(name, addr string, log *zap.Logger) *UDPSink {
	return &UDPSink{name: name, addr: addr, log: log}
}

func (s *UDPSink) Name() string { return s.name }

func (s *UDPSink) Open(ctx context.Context) error {
	return s.dial(ctx)
}

func (s *UDPSink) dial(ctx context.Context) error {
	bo := backoff.ExponentialBackOff{
		InitialInterval:     10 * time.Millisecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         5 * time.Second,
	}
	bo.Reset()
	for {
		conn, err := net.Dial("udp", s.addr)
		if err == nil {
			s.conn = conn
			return nil
		}
		s.log.Warn("udp dial failed",
			zap.String("sink", s.name),
			zap.String("addr", s.addr),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func (s *UDPSink) Write(ctx context.Context, p []byte) error {
	if s.conn == nil {
		if err := s.dial(ctx); err != nil {
			return err
		}
	}
	for len(p) > 0 {
		n := min(len(p), maxDatagram)
		if _, err := s.conn.Write(p[:n]); err != nil {
			s.conn.Close()
			s.conn = nil
			return err
		}
		p = p[n:]
	}
	return nil
}

func (s *UDPSink) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// newSink builds the sink described by one configuration entry.
func newSink(sc SinkConfig, log *zap.Logger) (Sink, error) {
	switch sc.Type {
	case "file":
		f, err := os.OpenFile(sc.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		return NewWriterSink(sc.Name, f), nil
	case "stderr":
		return NewWriterSink(sc.Name, os.Stderr), nil
	case "udp":
		return NewUDPSink(sc.Name, sc.Addr, log), nil
	}
	return nil, errUnknownSinkType(sc.Type)
}

type errUnknownSinkType string

func (e errUnknownSinkType) Error() string {
	return "retarget: unknown sink type " + string(e)
}
