// Package reassembly rebuilds binary payloads that arrive as header, content
// and tail frames keyed by client id.
package reassembly

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/omochice/relay-chat/pkg/protocol"
)

// ErrTransferTooLarge is returned by Append for headers that declare more
// bytes than the engine accepts.
var ErrTransferTooLarge = errors.New("transfer exceeds maximum size")

// MissingHeaderError reports a build attempted before any header frame arrived.
type MissingHeaderError struct {
	ClientID string
}

func (e *MissingHeaderError) Error() string {
	return fmt.Sprintf("build failed: missing header frame for client id %s", e.ClientID)
}

// MissingRangeError reports the first gap found while walking content frames
// in offset order.
type MissingRangeError struct {
	ClientID string
	From     int64
	Length   int64
}

func (e *MissingRangeError) Error() string {
	return fmt.Sprintf("build failed: missing bytes [%d, %d) for client id %s", e.From, e.From+e.Length, e.ClientID)
}

// Pending is a read-only view of a transfer that has not been built yet.
type Pending struct {
	ClientID     string
	HasHeader    bool
	HasTail      bool
	Frames       int
	LastModified time.Time
}

type transfer struct {
	mu       sync.Mutex
	clientID string
	header   *protocol.HeaderFrame
	contents []*protocol.ContentFrame
	tail     bool
	modified time.Time
}

func (t *transfer) view() Pending {
	return Pending{
		ClientID:     t.clientID,
		HasHeader:    t.header != nil,
		HasTail:      t.tail,
		Frames:       len(t.contents),
		LastModified: t.modified,
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxTransferSize caps the length a header frame may declare. Zero means
// unlimited.
func WithMaxTransferSize(n int64) Option {
	return func(e *Engine) { e.maxSize = n }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine holds every pending transfer of the process. It is safe for
// concurrent use; mutations of one transfer are serialized while different
// client ids proceed independently.
type Engine struct {
	mu        sync.Mutex
	transfers map[string]*transfer
	maxSize   int64
	now       func() time.Time
}

// New creates an empty Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		transfers: make(map[string]*transfer),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) transferFor(clientID string) *transfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.transfers[clientID]
	if !ok {
		t = &transfer{clientID: clientID}
		e.transfers[clientID] = t
	}
	return t
}

// Append records one frame. Headers replace any earlier header, content
// frames accumulate and tail frames set the completion marker.
func (e *Engine) Append(frame protocol.BinaryFrame) error {
	if hf, ok := frame.(*protocol.HeaderFrame); ok && e.maxSize > 0 && hf.Length > e.maxSize {
		return fmt.Errorf("%w: %d > %d bytes", ErrTransferTooLarge, hf.Length, e.maxSize)
	}

	for {
		t := e.transferFor(frame.FrameClientID())
		t.mu.Lock()
		// A concurrent Build or EvictStale may have detached t between the
		// lookup and the lock; retry against the live entry.
		if !e.attached(t) {
			t.mu.Unlock()
			continue
		}
		switch f := frame.(type) {
		case *protocol.HeaderFrame:
			t.header = f
		case *protocol.ContentFrame:
			t.contents = append(t.contents, f)
		case *protocol.TailFrame:
			t.tail = true
		default:
			t.mu.Unlock()
			return fmt.Errorf("unsupported frame %T", frame)
		}
		t.modified = e.now()
		t.mu.Unlock()
		return nil
	}
}

func (e *Engine) attached(t *transfer) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transfers[t.clientID] == t
}

// Build reassembles the transfer for clientID. On success the transfer is
// removed from the engine. On failure it stays so the sender can fill the
// reported gap.
func (e *Engine) Build(clientID string) (*RawBinaryMessage, error) {
	e.mu.Lock()
	t, ok := e.transfers[clientID]
	e.mu.Unlock()
	if !ok {
		return nil, &MissingHeaderError{ClientID: clientID}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.header == nil {
		return nil, &MissingHeaderError{ClientID: clientID}
	}
	segments, err := layout(clientID, t.header.Length, t.contents)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.transfers[clientID] == t {
		delete(e.transfers, clientID)
	}
	e.mu.Unlock()

	return &RawBinaryMessage{
		ClientID:     clientID,
		Type:         t.header.Type,
		Extension:    t.header.Extension,
		HasExtension: t.header.HasExtension,
		Length:       t.header.Length,
		Segments:     segments,
	}, nil
}

// layout orders frames by start offset and resolves them into contiguous,
// non-overlapping segments covering [0, length).
//
// Frames with an equal start keep the first in sort order. A frame
// overwrites only the bytes it covers, so where frames overlap the later one
// in offset order wins and the rest of the earlier frame is kept. Bytes past
// length are dropped.
func layout(clientID string, length int64, frames []*protocol.ContentFrame) ([]Segment, error) {
	sorted := make([]*protocol.ContentFrame, len(frames))
	copy(sorted, frames)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	var segments []Segment
	for i, f := range sorted {
		if i > 0 && f.Start == sorted[i-1].Start {
			continue
		}
		if f.Start >= length || len(f.Payload) == 0 {
			continue
		}
		data := f.Payload
		if f.End() > length {
			data = data[:length-f.Start]
		}
		segments = overwrite(segments, Segment{Start: f.Start, Data: data})
	}

	var cursor int64
	for _, seg := range segments {
		if seg.Start > cursor {
			return nil, &MissingRangeError{ClientID: clientID, From: cursor, Length: seg.Start - cursor}
		}
		cursor = seg.end()
	}
	if cursor < length {
		return nil, &MissingRangeError{ClientID: clientID, From: cursor, Length: length - cursor}
	}
	return segments, nil
}

// overwrite lays seg over the sorted, disjoint segments and returns them
// sorted again.
func overwrite(segments []Segment, seg Segment) []Segment {
	if n := len(segments); n == 0 || segments[n-1].end() <= seg.Start {
		return append(segments, seg)
	}
	end := seg.end()
	out := make([]Segment, 0, len(segments)+2)
	for _, s := range segments {
		if s.end() <= seg.Start || s.Start >= end {
			out = append(out, s)
			continue
		}
		if s.Start < seg.Start {
			out = append(out, Segment{Start: s.Start, Data: s.Data[:seg.Start-s.Start]})
		}
		if s.end() > end {
			out = append(out, Segment{Start: end, Data: s.Data[end-s.Start:]})
		}
	}
	out = append(out, seg)
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// EvictStale removes every transfer whose last modification is older than
// threshold and returns what was removed.
func (e *Engine) EvictStale(threshold time.Duration) []Pending {
	cutoff := e.now().Add(-threshold)

	e.mu.Lock()
	candidates := make([]*transfer, 0)
	for _, t := range e.transfers {
		candidates = append(candidates, t)
	}
	e.mu.Unlock()

	var evicted []Pending
	for _, t := range candidates {
		t.mu.Lock()
		if t.modified.Before(cutoff) {
			e.mu.Lock()
			if e.transfers[t.clientID] == t {
				delete(e.transfers, t.clientID)
				evicted = append(evicted, t.view())
			}
			e.mu.Unlock()
		}
		t.mu.Unlock()
	}
	return evicted
}

// Discard drops the transfer for clientID, if any.
func (e *Engine) Discard(clientID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.transfers, clientID)
}

// Lookup returns a view of the transfer for clientID.
func (e *Engine) Lookup(clientID string) (Pending, bool) {
	e.mu.Lock()
	t, ok := e.transfers[clientID]
	e.mu.Unlock()
	if !ok {
		return Pending{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.view(), true
}

// Len returns the number of pending transfers.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.transfers)
}
