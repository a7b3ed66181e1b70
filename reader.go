package mrrb

// Policy selects what the buffer does when a write no longer fits because
// a reader still owns unread bytes.
type Policy uint8

const (
	// PolicyBlocking never sacrifices the reader: the write is truncated
	// to the space the reader still allows.
	PolicyBlocking Policy = iota

	// PolicyDisable disables the reader so it stops constraining writes.
	PolicyDisable

	// PolicySkip aborts the reader's outstanding notification and drops
	// its oldest unread bytes until the write fits. Requires an abort
	// callback.
	PolicySkip
)

func (p Policy) String() string {
	switch p {
	case PolicyBlocking:
		return "blocking"
	case PolicyDisable:
		return "disable"
	case PolicySkip:
		return "skip"
	}
	return "unknown"
}

// State is the reader's position in its lifecycle state machine.
type State uint8

const (
	// StateDisabled readers do not receive notifications and do not
	// constrain writes.
	StateDisabled State = iota

	// StateIdle readers have completed everything published so far.
	StateIdle

	// StateActive readers hold an outstanding notification slice.
	StateActive

	// StateAborting readers are finishing a notification that the buffer
	// has asked them to abandon.
	StateAborting

	// StateAborted readers wait for the next publication: either they
	// acknowledged an abort while a write was in flight, or a skip overrun
	// advanced their cursor while they were idle.
	StateAborted

	// StateDisabling readers are disabled but their abort callback is
	// still in flight.
	StateDisabling
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateAborting:
		return "aborting"
	case StateAborted:
		return "aborted"
	case StateDisabling:
		return "disabling"
	}
	return "unknown"
}

// NotifyFunc is invoked by the buffer when a reader owns a new slice.
//
// data aliases the shared buffer; it stays valid until the reader hands it
// back through ReadComplete, the reader is disabled, or an overrun clears
// the reader. Once an abort is signalled the slice may already have been
// reclaimed and overwritten. len(data) is always >= 1.
// The callback runs outside the buffer's critical section and may call
// back into the buffer, including ReadComplete for immediate completion.
type NotifyFunc func(handle any, data []byte)

// AbortFunc is invoked when the buffer cancels a reader's outstanding
// notification. The reader must eventually call AbortComplete (or be
// disabled). Runs outside the critical section, like NotifyFunc.
type AbortFunc func(handle any)

// Reader is one named consumer of the byte stream. All readers of a
// buffer see the same bytes in the same order; they drain independently
// and may differ in how the stream splits into notification slices.
//
// A Reader is registered with exactly one buffer at New and starts out
// disabled; EnableReader seats its cursors on the current stream position.
type Reader struct {
	handle any
	notify NotifyFunc
	abort  AbortFunc
	policy Policy

	owner *MRRB

	state           State
	readPtr         int
	readCompletePtr int
	isFull          bool
}

// ReaderOption configures a Reader at construction.
type ReaderOption func(*Reader)

// WithAbort installs an abort callback. Mandatory for PolicySkip and
// optional otherwise. For every policy, DisableReader on a reader with an
// outstanding notification signals the abort through this callback.
func WithAbort(fn AbortFunc) ReaderOption {
	return func(r *Reader) { r.abort = fn }
}

// NewReader constructs a reader with the given identity, overrun policy
// and notification callback. handle must be a non-nil comparable value,
// unique among the readers of one buffer.
func NewReader(handle any, policy Policy, notify NotifyFunc, opts ...ReaderOption) (*Reader, error) {
	if handle == nil || notify == nil {
		return nil, ErrInvalidArgument
	}
	switch policy {
	case PolicyBlocking, PolicyDisable, PolicySkip:
	default:
		return nil, ErrInvalidArgument
	}
	r := &Reader{
		handle: handle,
		policy: policy,
		notify: notify,
		state:  StateDisabled,
	}
	for _, opt := range opts {
		opt(r)
	}
	if policy == PolicySkip && r.abort == nil {
		return nil, ErrInvalidArgument
	}
	return r, nil
}

// Handle returns the reader's identity.
func (r *Reader) Handle() any { return r.handle }

// Policy returns the reader's overrun policy.
func (r *Reader) Policy() Policy { return r.policy }

// State returns the reader's current lifecycle state. Advisory under
// concurrent activity.
func (r *Reader) State() State {
	if r == nil {
		return StateDisabled
	}
	if b := r.owner; b != nil {
		if err := b.port.Lock(); err == nil {
			s := r.state
			b.port.Unlock()
			return s
		}
	}
	return r.state
}

// Close releases a reader that is no longer registered with a buffer.
// Closing a reader still attached to a live buffer is an error.
func (r *Reader) Close() error {
	if r == nil || r.owner != nil {
		return ErrInvalidArgument
	}
	r.notify = nil
	r.abort = nil
	return nil
}

// enabled reports whether the reader constrains reclamation. Callers hold
// the buffer lock.
func (r *Reader) enabled() bool {
	return r.state != StateDisabled && r.state != StateDisabling
}
