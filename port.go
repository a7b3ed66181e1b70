package mrrb

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Port abstracts the execution environment of a buffer: the critical
// section that serializes all state mutation, a predicate for callers that
// must not block on it, and a memory fence ordering buffer writes before
// cursor publication.
//
// Write enters the critical section twice (reservation and publication),
// every other buffer operation at most once, and none suspends inside it.
// Lock is fallible at the interface even when a
// concrete port cannot fail; Unlock results are ignored by the core and
// exist only for symmetry.
type Port interface {
	LockInit() error
	LockDestroy() error
	Lock() error
	Unlock() error

	// InInterrupt reports whether the caller runs in a context that must
	// not block on the port lock. Write returns 0 from such a context
	// unless the buffer was built with WithInterruptWrites(true).
	InInterrupt() bool

	// Fence orders the bytes copied into the buffer before the cursor
	// store that publishes them.
	Fence()
}

// MutexPort is the hosted port: a sync.Mutex critical section. This is the
// default port installed by New.
type MutexPort struct {
	mu     sync.Mutex
	closed atomic.Bool
	epoch  atomic.Uint64
}

// NewMutexPort returns a ready-to-use hosted port.
func NewMutexPort() *MutexPort {
	return &MutexPort{}
}

func (p *MutexPort) LockInit() error {
	p.closed.Store(false)
	return nil
}

func (p *MutexPort) LockDestroy() error {
	if p.closed.Swap(true) {
		return ErrLockUnavailable
	}
	return nil
}

func (p *MutexPort) Lock() error {
	if p.closed.Load() {
		return ErrLockUnavailable
	}
	p.mu.Lock()
	if p.closed.Load() {
		p.mu.Unlock()
		return ErrLockUnavailable
	}
	return nil
}

func (p *MutexPort) Unlock() error {
	p.mu.Unlock()
	return nil
}

func (p *MutexPort) InInterrupt() bool { return false }

func (p *MutexPort) Fence() {
	p.epoch.Add(1)
}

// SpinPort is the bare-metal analog of interrupt masking: a busy-wait
// critical section built on a compare-and-swap flag. It admits callers
// that cannot take a blocking mutex, at the price of spinning.
//
// ISR, when set, stands in for the "is the caller inside an interrupt
// handler" predicate of the source environment.
type SpinPort struct {
	locked atomic.Uint32
	closed atomic.Bool
	epoch  atomic.Uint64

	ISR func() bool
}

// NewSpinPort returns a ready-to-use spinlock port.
func NewSpinPort() *SpinPort {
	return &SpinPort{}
}

func (p *SpinPort) LockInit() error {
	p.locked.Store(0)
	p.closed.Store(false)
	return nil
}

func (p *SpinPort) LockDestroy() error {
	if p.closed.Swap(true) {
		return ErrLockUnavailable
	}
	return nil
}

func (p *SpinPort) Lock() error {
	for {
		if p.closed.Load() {
			return ErrLockUnavailable
		}
		if p.locked.CompareAndSwap(0, 1) {
			return nil
		}
		runtime.Gosched()
	}
}

func (p *SpinPort) Unlock() error {
	p.locked.Store(0)
	return nil
}

func (p *SpinPort) InInterrupt() bool {
	if p.ISR != nil {
		return p.ISR()
	}
	return false
}

func (p *SpinPort) Fence() {
	p.epoch.Add(1)
}
