package serviceman

import "sync"

// screenBuffer is a fixed-capacity ring buffer of a service's trailing
// console lines, plus an optional live-tail sink.
type screenBuffer struct {
	lines []string
	next  int
	full  bool
	sink  func(line string)
}

func newScreenBuffer(capacity int) *screenBuffer {
	return &screenBuffer{lines: make([]string, capacity)}
}

func (b *screenBuffer) append(line string) {
	b.lines[b.next] = line
	b.next = (b.next + 1) % len(b.lines)
	if b.next == 0 {
		b.full = true
	}
	if b.sink != nil {
		b.sink(line)
	}
}

func (b *screenBuffer) snapshot() []string {
	if !b.full {
		out := make([]string, b.next)
		copy(out, b.lines[:b.next])
		return out
	}
	out := make([]string, len(b.lines))
	copy(out, b.lines[b.next:])
	copy(out[len(b.lines)-b.next:], b.lines[:b.next])
	return out
}

// screenRegistry holds one screenBuffer per service, created lazily on
// first console line so services that are never attached to cost
// nothing but a map entry.
type screenRegistry struct {
	mu      sync.Mutex
	buffers map[string]*screenBuffer
}

func newScreenRegistry() *screenRegistry {
	return &screenRegistry{buffers: make(map[string]*screenBuffer)}
}

func (r *screenRegistry) bufferFor(serviceUniqueID string) *screenBuffer {
	b, ok := r.buffers[serviceUniqueID]
	if !ok {
		b = newScreenBuffer(DefaultScreenLines)
		r.buffers[serviceUniqueID] = b
	}
	return b
}

func (r *screenRegistry) append(serviceUniqueID, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bufferFor(serviceUniqueID).append(line)
}

func (r *screenRegistry) lines(serviceUniqueID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buffers[serviceUniqueID]
	if !ok {
		return nil
	}
	return b.snapshot()
}

func (r *screenRegistry) setSink(serviceUniqueID string, sink func(line string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bufferFor(serviceUniqueID).sink = sink
}
