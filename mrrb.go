// Package mrrb provides a multiple-reader ring buffer: a single in-memory
// byte buffer into which any number of producers append byte streams, and
// from which a fixed set of named readers each independently drain the
// same stream.
//
// Readers are push-driven: the buffer hands each reader a slice of the
// shared storage through a notification callback, and the reader signals
// completion when it is done with that slice. A byte is not reclaimed
// until every enabled reader that has seen it has completed it, unless a
// reader's overrun policy explicitly permits reclamation.
//
// # Thread Safety
//
// All operations are safe for concurrent use by any number of producers
// and readers. Mutation of buffer state is serialized by a single
// critical section per buffer, supplied by a pluggable Port. Writes use a
// two-phase reservation/commit protocol: concurrent writers copy their
// bytes outside the critical section, and the last writer of a batch
// publishes everything reserved so far with a single merged notification
// per reader.
//
// # Zero-Copy Delivery
//
// Notification slices alias the shared buffer; no byte is copied on the
// read path. A reader owns its slice until it calls ReadComplete.
//
// # Basic Usage
//
//	r, _ := mrrb.NewReader("log", mrrb.PolicyBlocking, func(h any, data []byte) {
//	    process(data)
//	    buf.ReadComplete(h)
//	})
//	buf, _ := mrrb.New(make([]byte, 4096), []*mrrb.Reader{r})
//	buf.EnableReader(r)
//
//	buf.Write([]byte("hello"))
package mrrb

import "sync/atomic"

// MRRB is a multiple-reader ring buffer over caller-provided storage.
//
// The buffer tracks two global cursors: reservationPtr, the first byte
// not yet claimed by any in-flight write, and writePtr, the first byte
// not yet published to readers. writePtr trails reservationPtr while
// writes are in flight and catches up when the last concurrent writer
// publishes.
type MRRB struct {
	port Port
	buf  []byte

	readers []*Reader

	writePtr       int
	reservationPtr int

	// ongoingWrites counts writers between reservation and publication.
	// It is mutated under the lock except on the lock-failure path of
	// Write, where the atomic keeps the count consistent so surviving
	// writers can still publish.
	ongoingWrites atomic.Int32

	allowISRWrites bool
}

// Option configures a buffer at construction.
type Option func(*MRRB)

// WithPort selects the port backing the buffer's critical section. The
// default is a MutexPort.
func WithPort(p Port) Option {
	return func(b *MRRB) { b.port = p }
}

// WithInterruptWrites permits Write from contexts where Port.InInterrupt
// reports true. Without it, such writes return 0 and copy nothing.
func WithInterruptWrites(allow bool) Option {
	return func(b *MRRB) { b.allowISRWrites = allow }
}

// New constructs a buffer over buf with the given readers. buf must be at
// least one byte and is owned by the buffer from here on. Every reader
// must come from NewReader, be registered with no other buffer, and carry
// a handle unique within readers. Readers start disabled.
func New(buf []byte, readers []*Reader, opts ...Option) (*MRRB, error) {
	if len(buf) == 0 || len(readers) == 0 {
		return nil, ErrInvalidArgument
	}
	seen := make(map[any]struct{}, len(readers))
	for _, r := range readers {
		if r == nil || r.notify == nil || r.owner != nil {
			return nil, ErrInvalidArgument
		}
		if _, dup := seen[r.handle]; dup {
			return nil, ErrInvalidArgument
		}
		seen[r.handle] = struct{}{}
	}

	b := &MRRB{
		buf:     buf,
		readers: append([]*Reader(nil), readers...),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.port == nil {
		b.port = NewMutexPort()
	}
	if err := b.port.LockInit(); err != nil {
		return nil, err
	}
	for _, r := range b.readers {
		r.owner = b
		r.state = StateDisabled
		r.readPtr = 0
		r.readCompletePtr = 0
		r.isFull = false
	}
	return b, nil
}

// Close destroys the buffer's lock and detaches its readers. The caller
// is responsible for quiescing producers and readers first.
func (b *MRRB) Close() error {
	if b == nil {
		return ErrInvalidArgument
	}
	for _, r := range b.readers {
		r.owner = nil
		r.state = StateDisabled
	}
	return b.port.LockDestroy()
}

// Size returns the capacity of the buffer in bytes.
func (b *MRRB) Size() int {
	if b == nil {
		return 0
	}
	return len(b.buf)
}

// notification is a callback deferred past the critical section.
type notification struct {
	reader *Reader
	data   []byte
}

// abortCall is a scheduled abort callback.
type abortCall struct {
	fn     AbortFunc
	handle any
}

// Write copies at most len(p) bytes into the buffer and returns the
// number actually copied. The count never exceeds the buffer size, and is
// truncated further when a PolicyBlocking reader still owns bytes the
// write would need; readers with other
// policies are cleared per their policy instead of constraining the
// write.
//
// Write is safe for any number of concurrent writers. When writers
// overlap, the bytes of all of them are published together by whichever
// writer finishes last, and each previously idle reader receives one
// merged notification.
//
// A zero-length write returns (0, nil) without touching the buffer. A
// write from a context where Port.InInterrupt reports true returns
// (0, nil) unless the buffer was built with WithInterruptWrites(true).
//
// A lock failure before anything is reserved returns (0, err) with no
// side effects. A lock failure at publication time returns the copied
// byte count alongside the error; the bytes are reserved and are
// published by the next writer that completes.
func (b *MRRB) Write(p []byte) (int, error) {
	if b == nil {
		return 0, ErrInvalidArgument
	}
	if len(p) == 0 {
		return 0, nil
	}
	if b.port.InInterrupt() && !b.allowISRWrites {
		return 0, nil
	}

	// Phase A: reserve a slice under the lock.
	if err := b.port.Lock(); err != nil {
		return 0, err
	}

	n := len(p)
	requested := min(n, len(b.buf))

	var aborts []abortCall
	remaining := b.remainingLocked()
	if n > remaining {
		aborts = b.clearOverrunLocked(requested)
		remaining = b.remainingLocked()
	}
	m := min(n, remaining)
	if m == 0 {
		b.port.Unlock()
		invokeAborts(aborts)
		return 0, nil
	}

	start := b.reservationPtr
	b.reservationPtr = b.advance(start, m)
	b.ongoingWrites.Add(1)
	for _, r := range b.readers {
		if r.enabled() {
			r.isFull = b.reservationPtr == r.readCompletePtr
		}
	}
	b.port.Unlock()

	invokeAborts(aborts)

	// Phase B: copy outside the lock. Readers cannot observe these bytes
	// until publication because they never consult reservationPtr.
	first := min(m, len(b.buf)-start)
	copy(b.buf[start:], p[:first])
	copy(b.buf, p[first:m])

	// Phase C: publish. Deferred to the last writer of a concurrent batch.
	if err := b.port.Lock(); err != nil {
		// The copy landed but this writer cannot publish it. Leave the
		// writer count consistent so a concurrent writer still can.
		b.ongoingWrites.Add(-1)
		return m, err
	}
	var notes []notification
	if b.ongoingWrites.Add(-1) == 0 {
		notes = b.publishLocked()
	}
	b.port.Unlock()

	for _, note := range notes {
		note.reader.notify(note.reader.handle, note.data)
	}
	return m, nil
}

// ReadComplete hands a notification slice back to the buffer. The reader
// identified by handle moves its complete cursor to the end of the slice
// it was shown; if published bytes remain it is immediately re-notified,
// otherwise it returns to idle.
//
// Calling ReadComplete for an unknown handle or for a reader that holds
// no outstanding notification is a no-op. ReadComplete may be called from
// inside the notify callback itself; the re-notification then happens
// synchronously.
func (b *MRRB) ReadComplete(handle any) error {
	if b == nil {
		return ErrInvalidArgument
	}
	if err := b.port.Lock(); err != nil {
		return err
	}
	r := b.findLocked(handle)
	if r == nil || r.state != StateActive {
		b.port.Unlock()
		return nil
	}

	r.readCompletePtr = r.readPtr
	r.isFull = false

	var note *notification
	if b.distance(r.readCompletePtr, b.writePtr) > 0 {
		note = &notification{reader: r, data: b.handOutLocked(r)}
	} else {
		r.state = StateIdle
	}
	b.port.Unlock()

	if note != nil {
		note.reader.notify(note.reader.handle, note.data)
	}
	return nil
}

// AbortComplete acknowledges an abort callback. A disabling reader
// becomes disabled. An aborting reader is re-notified immediately when
// published bytes remain and no write is in flight; otherwise it parks
// until the next publication. Unknown handles and other states are
// ignored.
func (b *MRRB) AbortComplete(handle any) error {
	if b == nil {
		return ErrInvalidArgument
	}
	if err := b.port.Lock(); err != nil {
		return err
	}
	r := b.findLocked(handle)
	var note *notification
	if r != nil {
		switch r.state {
		case StateDisabling:
			r.state = StateDisabled
		case StateAborting:
			if b.ongoingWrites.Load() == 0 && (r.isFull || r.readCompletePtr != b.writePtr) {
				r.state = StateActive
				note = &notification{reader: r, data: b.handOutLocked(r)}
			} else {
				r.state = StateAborted
			}
		}
	}
	b.port.Unlock()

	if note != nil {
		note.reader.notify(note.reader.handle, note.data)
	}
	return nil
}

// EnableReader seats the reader's cursors on the current reservation
// cursor and moves it to idle. Bytes written while the reader was
// disabled are not delivered. Enabling an already enabled reader is a
// no-op.
func (b *MRRB) EnableReader(r *Reader) error {
	if b == nil || r == nil {
		return ErrInvalidArgument
	}
	if err := b.port.Lock(); err != nil {
		return err
	}
	if !b.ownsLocked(r) {
		b.port.Unlock()
		return ErrUnknownReader
	}
	if r.state == StateDisabled {
		r.readCompletePtr = b.reservationPtr
		r.readPtr = b.reservationPtr
		r.isFull = false
		r.state = StateIdle
	}
	b.port.Unlock()
	return nil
}

// DisableReader removes the reader from notification scheduling and from
// write-space accounting. If the reader has an abort callback and a
// notification or abort in flight, the disable completes asynchronously
// through AbortComplete. Disabling a disabled reader is a no-op.
func (b *MRRB) DisableReader(r *Reader) error {
	if b == nil || r == nil {
		return ErrInvalidArgument
	}
	if err := b.port.Lock(); err != nil {
		return err
	}
	if !b.ownsLocked(r) {
		b.port.Unlock()
		return ErrUnknownReader
	}
	var aborts []abortCall
	switch r.state {
	case StateDisabled, StateDisabling:
	case StateActive:
		if r.abort != nil {
			r.state = StateDisabling
			aborts = append(aborts, abortCall{fn: r.abort, handle: r.handle})
		} else {
			r.state = StateDisabled
		}
	case StateAborting:
		// The abort already in flight concludes the disable.
		r.state = StateDisabling
	default:
		r.state = StateDisabled
	}
	b.port.Unlock()
	invokeAborts(aborts)
	return nil
}

// RemainingSpace returns the number of bytes a write can copy without
// clearing any reader. Advisory under concurrent activity.
func (b *MRRB) RemainingSpace() int {
	if b == nil {
		return 0
	}
	if err := b.port.Lock(); err != nil {
		return 0
	}
	rem := b.remainingLocked()
	b.port.Unlock()
	return rem
}

// OverwritableSpace returns the number of bytes a write can claim when
// every reader's overrun policy is exercised. Advisory under concurrent
// activity.
func (b *MRRB) OverwritableSpace() int {
	if b == nil {
		return 0
	}
	if err := b.port.Lock(); err != nil {
		return 0
	}
	ow := len(b.buf)
	for _, r := range b.readers {
		s := len(b.buf)
		if r.enabled() && r.policy == PolicyBlocking {
			s = b.spaceForLocked(r)
		}
		if s < ow {
			ow = s
		}
	}
	b.port.Unlock()
	return ow
}

// IsEmpty reports whether no reader holds any byte. Advisory under
// concurrent activity; false on a nil buffer.
func (b *MRRB) IsEmpty() bool {
	if b == nil {
		return false
	}
	return b.RemainingSpace() == len(b.buf)
}

// IsFull reports whether some enabled reader owns the entire buffer.
// Advisory under concurrent activity; false on a nil buffer.
func (b *MRRB) IsFull() bool {
	if b == nil {
		return false
	}
	if err := b.port.Lock(); err != nil {
		return false
	}
	full := false
	for _, r := range b.readers {
		if r.enabled() && r.isFull {
			full = true
			break
		}
	}
	b.port.Unlock()
	return full
}

// advance moves a modular cursor forward by n, 0 <= n <= len(buf).
func (b *MRRB) advance(cursor, n int) int {
	cursor += n
	if cursor >= len(b.buf) {
		cursor -= len(b.buf)
	}
	return cursor
}

// distance returns the modular byte count from from forward to to.
func (b *MRRB) distance(from, to int) int {
	d := to - from
	if d < 0 {
		d += len(b.buf)
	}
	return d
}

// spaceForLocked returns the bytes a write may claim before colliding
// with r's unread region.
func (b *MRRB) spaceForLocked(r *Reader) int {
	if !r.enabled() {
		return len(b.buf)
	}
	if r.isFull {
		return 0
	}
	if d := b.distance(b.reservationPtr, r.readCompletePtr); d != 0 {
		return d
	}
	return len(b.buf)
}

func (b *MRRB) remainingLocked() int {
	rem := len(b.buf)
	for _, r := range b.readers {
		if s := b.spaceForLocked(r); s < rem {
			rem = s
		}
	}
	return rem
}

// clearOverrunLocked applies each non-blocking reader's overrun policy so
// that a write of requested bytes stops colliding with it. Blocking
// readers are left alone; they truncate the write instead. Returned abort
// callbacks fire after unlock.
func (b *MRRB) clearOverrunLocked(requested int) []abortCall {
	var aborts []abortCall
	for _, r := range b.readers {
		if !r.enabled() || b.spaceForLocked(r) >= requested {
			continue
		}
		switch r.policy {
		case PolicyBlocking:
		case PolicyDisable:
			if r.abort != nil {
				r.state = StateDisabling
				aborts = append(aborts, abortCall{fn: r.abort, handle: r.handle})
			} else {
				r.state = StateDisabled
			}
		case PolicySkip:
			switch r.state {
			case StateActive:
				// The reader may finish the slice it was already shown.
				r.state = StateAborting
				r.readCompletePtr = r.readPtr
				r.isFull = false
				aborts = append(aborts, abortCall{fn: r.abort, handle: r.handle})
			case StateIdle:
				// No notification in flight to abort; park the reader so
				// publication does not re-seat its cursor over the skip.
				r.state = StateAborted
			}
			if deficit := requested - b.spaceForLocked(r); deficit > 0 {
				r.readCompletePtr = b.advance(r.readCompletePtr, deficit)
				r.isFull = false
			}
		}
	}
	return aborts
}

// publishLocked makes everything reserved so far visible to readers and
// collects the notifications owed to previously idle or aborted readers.
// Runs under the lock with ongoingWrites == 0.
func (b *MRRB) publishLocked() []notification {
	pre := b.writePtr
	var pending []*Reader
	for _, r := range b.readers {
		switch r.state {
		case StateIdle:
			r.state = StateActive
			r.readCompletePtr = pre
		case StateAborted:
			// readCompletePtr was positioned by the abort path.
			r.state = StateActive
		default:
			continue
		}
		pending = append(pending, r)
	}

	b.port.Fence()
	b.writePtr = b.reservationPtr

	notes := make([]notification, 0, len(pending))
	for _, r := range pending {
		notes = append(notes, notification{reader: r, data: b.handOutLocked(r)})
	}
	return notes
}

// handOutLocked computes the continuous readable span of r, advances the
// reader's read cursor past it and returns the slice. The caller invokes
// the notify callback after unlock. r must own at least one published
// byte.
func (b *MRRB) handOutLocked(r *Reader) []byte {
	rcp := r.readCompletePtr
	var span int
	if b.writePtr > rcp && !r.isFull {
		span = b.writePtr - rcp
	} else {
		// Wrapped or full: clamp to the buffer end.
		span = len(b.buf) - rcp
	}
	r.readPtr = b.advance(rcp, span)
	return b.buf[rcp : rcp+span]
}

func (b *MRRB) findLocked(handle any) *Reader {
	for _, r := range b.readers {
		if r.handle == handle {
			return r
		}
	}
	return nil
}

func (b *MRRB) ownsLocked(r *Reader) bool {
	for _, reg := range b.readers {
		if reg == r {
			return true
		}
	}
	return false
}

func invokeAborts(aborts []abortCall) {
	for _, a := range aborts {
		a.fn(a.handle)
	}
}
