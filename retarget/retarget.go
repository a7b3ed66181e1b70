// Package retarget fans a single byte stream out to a set of configured
// sinks through a multiple-reader ring buffer.
//
// Each sink gets its own reader and a worker goroutine: the reader's
// notify callback hands the shared slice to the worker, the worker pushes
// it into the sink and completes it. Slow sinks are handled by the
// reader's overrun policy: blocking sinks backpressure the producer,
// disable sinks are shut off, skip sinks lose their oldest bytes and keep
// going.
package retarget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drgolem/mrrb"
)

// pushRetryDelay is the pause between attempts to place bytes that a
// blocking sink currently holds out of the buffer.
const pushRetryDelay = 50 * time.Microsecond

// Retarget owns one ring buffer and one worker per sink. It implements
// io.Writer; every byte written is delivered to every enabled sink.
type Retarget struct {
	log     *zap.Logger
	buf     *mrrb.MRRB
	workers []*worker
	readers []*mrrb.Reader

	cancel context.CancelFunc
	g      *errgroup.Group
}

// Option configures a Retarget beyond its file configuration.
type Option func(*options)

type options struct {
	sinks []sinkSpec
}

type sinkSpec struct {
	sink   Sink
	policy mrrb.Policy
}

// WithSink registers a pre-built sink in addition to the configured ones.
func WithSink(s Sink, policy mrrb.Policy) Option {
	return func(o *options) {
		o.sinks = append(o.sinks, sinkSpec{sink: s, policy: policy})
	}
}

// New builds a stopped Retarget from cfg. Call Start to enable the sinks.
func New(cfg *Config, log *zap.Logger, opts ...Option) (*Retarget, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg == nil {
		cfg = &Config{}
	}
	c := *cfg
	c.withDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	specs := make([]sinkSpec, 0, len(c.Sinks)+len(o.sinks))
	for _, sc := range c.Sinks {
		sink, err := newSink(sc, log)
		if err != nil {
			return nil, fmt.Errorf("retarget: sink %q: %w", sc.Name, err)
		}
		policy, err := parsePolicy(sc.Policy)
		if err != nil {
			return nil, fmt.Errorf("retarget: sink %q: %w", sc.Name, err)
		}
		specs = append(specs, sinkSpec{sink: sink, policy: policy})
	}
	specs = append(specs, o.sinks...)
	if len(specs) == 0 {
		return nil, errors.New("retarget: no sinks configured")
	}

	rt := &Retarget{log: log}
	readers := make([]*mrrb.Reader, 0, len(specs))
	for _, spec := range specs {
		w := &worker{
			sink:  spec.sink,
			log:   log,
			lossy: spec.policy != mrrb.PolicyBlocking,
			wake:  make(chan struct{}, 1),
		}
		var ropts []mrrb.ReaderOption
		if spec.policy != mrrb.PolicyBlocking {
			ropts = append(ropts, mrrb.WithAbort(w.onAbort))
		}
		r, err := mrrb.NewReader(spec.sink.Name(), spec.policy, w.notify, ropts...)
		if err != nil {
			return nil, fmt.Errorf("retarget: sink %q: %w", spec.sink.Name(), err)
		}
		rt.workers = append(rt.workers, w)
		readers = append(readers, r)
	}

	buf, err := mrrb.New(make([]byte, int(c.BufferSize.Bytes())), readers)
	if err != nil {
		return nil, fmt.Errorf("retarget: %w", err)
	}
	rt.buf = buf
	rt.readers = readers
	for _, w := range rt.workers {
		w.buf = buf
	}
	return rt, nil
}

// Start opens every sink, enables its reader and spawns its worker.
func (rt *Retarget) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	rt.cancel = cancel
	rt.g = g

	for i, w := range rt.workers {
		if err := w.sink.Open(ctx); err != nil {
			cancel()
			return fmt.Errorf("retarget: sink %q: %w", w.sink.Name(), err)
		}
		if err := rt.buf.EnableReader(rt.readers[i]); err != nil {
			cancel()
			return fmt.Errorf("retarget: sink %q: %w", w.sink.Name(), err)
		}
		g.Go(func() error { return w.run(ctx) })
	}

	rt.log.Info("retarget started",
		zap.Int("sinks", len(rt.workers)),
		zap.Int("buffer_size", rt.buf.Size()))
	return nil
}

// Stop disables every reader, winds down the workers and closes the
// sinks.
func (rt *Retarget) Stop() error {
	for _, r := range rt.readers {
		_ = rt.buf.DisableReader(r)
	}
	var err error
	if rt.cancel != nil {
		rt.cancel()
		err = rt.g.Wait()
	}
	for _, w := range rt.workers {
		if cerr := w.sink.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if cerr := rt.buf.Close(); cerr != nil && err == nil {
		err = cerr
	}
	rt.log.Info("retarget stopped", zap.Error(err))
	return err
}

// Buffer exposes the underlying ring buffer for inspection.
func (rt *Retarget) Buffer() *mrrb.MRRB { return rt.buf }

// Write implements io.Writer. Bytes held back by a blocking sink are
// retried until they fit, so the shim itself never drops data; a sink
// that stops completing forever therefore stalls Write, which is the
// blocking policy's contract.
func (rt *Retarget) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := rt.buf.Write(p[total:])
		if err != nil {
			return total, err
		}
		total += n
		if n == 0 {
			time.Sleep(pushRetryDelay)
		}
	}
	return total, nil
}

// worker drains one reader into one sink. The buffer keeps at most one
// notification outstanding per reader, so a single slice slot plus an
// abort flag capture everything owed; callbacks fill the slots and never
// block, which keeps producers deadlock-free even when an
// acknowledgement re-notifies synchronously.
type worker struct {
	sink Sink
	buf  *mrrb.MRRB
	log  *zap.Logger

	// lossy marks a reader whose overrun policy permits reclamation of
	// bytes the worker has not flushed yet; its slices are copied out
	// of the shared buffer in the notify callback, which runs after the
	// buffer has released its lock.
	lossy bool

	mu           sync.Mutex
	cur          []byte
	abortPending bool
	wake         chan struct{}
}

func (w *worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// notify runs on the producer's goroutine. Slices for a blocking reader
// stay valid until ReadComplete and are passed through; slices for a
// lossy reader may be overwritten by a later overrun, so the worker
// flushes a private copy instead.
func (w *worker) notify(_ any, data []byte) {
	if w.lossy {
		data = append([]byte(nil), data...)
	}
	w.mu.Lock()
	w.cur = data
	w.mu.Unlock()
	w.signal()
}

// onAbort supersedes whatever slice is still parked in the slot.
func (w *worker) onAbort(_ any) {
	w.mu.Lock()
	w.abortPending = true
	w.cur = nil
	w.mu.Unlock()
	w.signal()
}

func (w *worker) run(ctx context.Context) error {
	name := w.sink.Name()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.wake:
		}
		for {
			w.mu.Lock()
			abort := w.abortPending
			data := w.cur
			w.abortPending = false
			w.cur = nil
			w.mu.Unlock()

			if abort {
				// A slice grabbed together with the abort predates it
				// and is dropped; skip sinks are lossy by contract.
				w.log.Warn("sink overrun, stream interrupted",
					zap.String("sink", name))
				if err := w.buf.AbortComplete(name); err != nil {
					return err
				}
				// The acknowledgement may have re-notified; re-check.
				continue
			}
			if data == nil {
				break
			}
			if err := w.sink.Write(ctx, data); err != nil {
				w.log.Warn("sink write failed, slice dropped",
					zap.String("sink", name), zap.Error(err))
			}
			if err := w.buf.ReadComplete(name); err != nil {
				return err
			}
			// ReadComplete re-notifies synchronously when more bytes
			// are published; loop to pick the next slice up.
		}
	}
}
