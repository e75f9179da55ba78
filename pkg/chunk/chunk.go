// Package chunk implements C4: fragmenting payloads too large for one
// wire frame into an ordered sequence of chunk packets sent over one
// or more transport channels, and reassembling them on the other end.
package chunk

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/hearthnet/fleet/pkg/log"
	"github.com/hearthnet/fleet/pkg/transport"
	"github.com/hearthnet/fleet/pkg/wire"
)

// DefaultChunkSize matches the spec's default frame budget before a
// payload must be split.
const DefaultChunkSize = 50 * 1024 * 1024

// Packet is one fragment of a chunked transfer.
type Packet struct {
	SessionID string
	Index     uint64
	Last      bool
	Payload   []byte
}

// Encode serializes a Packet body for ChannelChunk:
// [sessionId][index][last][payload].
func Encode(p Packet) []byte {
	out := binary.AppendUvarint(nil, uint64(len(p.SessionID)))
	out = append(out, p.SessionID...)
	out = binary.AppendUvarint(out, p.Index)
	if p.Last {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	out = append(out, p.Payload...)
	return out
}

// Decode parses a ChannelChunk frame payload back into a Packet.
func Decode(data []byte) (Packet, error) {
	r := bytes.NewReader(data)
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return Packet{}, fmt.Errorf("chunk: decode session id length: %w", err)
	}
	sid := make([]byte, n)
	if _, err := io.ReadFull(r, sid); err != nil {
		return Packet{}, fmt.Errorf("chunk: decode session id: %w", err)
	}
	index, err := binary.ReadUvarint(r)
	if err != nil {
		return Packet{}, fmt.Errorf("chunk: decode index: %w", err)
	}
	lastByte, err := r.ReadByte()
	if err != nil {
		return Packet{}, fmt.Errorf("chunk: decode last flag: %w", err)
	}
	payload := make([]byte, r.Len())
	io.ReadFull(r, payload)
	return Packet{SessionID: string(sid), Index: index, Last: lastByte != 0, Payload: payload}, nil
}

// Splitter delivers one encoded chunk frame to a fixed set of
// destination channels. NetworkChannelsSplitter is the default,
// broadcasting, implementation; tests may substitute their own.
type Splitter interface {
	Send(f wire.Frame) error
}

// NetworkChannelsSplitter broadcasts every chunk to a fixed set of
// transport channels, blocking on each Send so a slow peer applies
// backpressure to the sender rather than letting chunks buffer in
// memory.
type NetworkChannelsSplitter struct {
	Channels []*transport.Channel
}

func (s *NetworkChannelsSplitter) Send(f wire.Frame) error {
	for _, ch := range s.Channels {
		if err := ch.Send(f); err != nil {
			return fmt.Errorf("chunk: splitter send: %w", err)
		}
	}
	return nil
}

// SendStream reads r in chunkSize pieces and emits a ChunkPacket
// sequence through splitter, tagged with a fresh session id. It
// returns the session id used.
func SendStream(splitter Splitter, r io.Reader, chunkSize int) (string, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	sessionID := uuid.NewString()
	br := bufio.NewReader(r)
	buf := make([]byte, chunkSize)
	index := uint64(0)
	sentAny := false

	for {
		n, readErr := io.ReadFull(br, buf)
		if readErr != nil && readErr != io.ErrUnexpectedEOF && readErr != io.EOF {
			return sessionID, fmt.Errorf("chunk: read stream: %w", readErr)
		}
		last := readErr == io.ErrUnexpectedEOF || readErr == io.EOF
		if !last {
			// A stream ending exactly on a chunk boundary flags this
			// full chunk as last rather than sending an empty one.
			if _, peekErr := br.Peek(1); peekErr == io.EOF {
				last = true
			}
		}

		if n > 0 || last || !sentAny {
			pkt := Packet{SessionID: sessionID, Index: index, Last: last, Payload: append([]byte(nil), buf[:n]...)}
			if err := splitter.Send(wire.Frame{ChannelID: wire.ChannelChunk, Payload: Encode(pkt)}); err != nil {
				return sessionID, err
			}
			index++
			sentAny = true
		}
		if last {
			return sessionID, nil
		}
	}
}

// SessionHandler is invoked once a session completes, with the
// staging file's path; individual chunks are not passed to it.
type SessionHandler interface {
	// Complete is called once the final chunk has been written to
	// disk, with the staging file path for the handler to move or
	// unpack.
	Complete(sessionID, stagingPath string) error
}

// Receiver reassembles sessions arriving on ChannelChunk into staging
// files under a temp directory, keyed by session id. Out-of-order
// chunk indices fail the session outright, per spec §4.6.
type Receiver struct {
	dir string

	mu       sync.Mutex
	sessions map[string]*session
	handler  func(sessionID string) SessionHandler
}

type session struct {
	file     *os.File
	nextIdx  uint64
	failed   bool
}

// NewReceiver creates a Receiver staging files under dir (typically
// os.TempDir()). handler is consulted for each new session id to
// decide what to do once it completes; returning nil means "discard".
func NewReceiver(dir string, handler func(sessionID string) SessionHandler) *Receiver {
	return &Receiver{dir: dir, sessions: make(map[string]*session), handler: handler}
}

// Handle is a transport.Handler suitable for registration on
// ChannelChunk.
func (r *Receiver) Handle(ch *transport.Channel, f wire.Frame) ([]byte, error) {
	pkt, err := Decode(f.Payload)
	if err != nil {
		return nil, err
	}
	return nil, r.accept(pkt)
}

func (r *Receiver) accept(pkt Packet) error {
	logger := log.WithComponent("chunk")

	r.mu.Lock()
	s, ok := r.sessions[pkt.SessionID]
	if !ok {
		path := filepath.Join(r.dir, fmt.Sprintf("chunk-%s.staging", pkt.SessionID))
		f, err := os.Create(path)
		if err != nil {
			r.mu.Unlock()
			return fmt.Errorf("chunk: create staging file: %w", err)
		}
		s = &session{file: f}
		r.sessions[pkt.SessionID] = s
	}
	r.mu.Unlock()

	if s.failed {
		return fmt.Errorf("chunk: session %s already failed", pkt.SessionID)
	}
	if pkt.Index != s.nextIdx {
		s.failed = true
		s.file.Close()
		logger.Warn().Str("session", pkt.SessionID).Uint64("expected", s.nextIdx).Uint64("got", pkt.Index).Msg("out-of-order chunk, session failed")
		return fmt.Errorf("chunk: out-of-order chunk index %d, expected %d", pkt.Index, s.nextIdx)
	}
	s.nextIdx++

	if _, err := s.file.Write(pkt.Payload); err != nil {
		return fmt.Errorf("chunk: write staging file: %w", err)
	}

	if !pkt.Last {
		return nil
	}

	path := s.file.Name()
	s.file.Close()

	r.mu.Lock()
	delete(r.sessions, pkt.SessionID)
	r.mu.Unlock()

	if r.handler == nil {
		return nil
	}
	h := r.handler(pkt.SessionID)
	if h == nil {
		os.Remove(path)
		return nil
	}
	if err := h.Complete(pkt.SessionID, path); err != nil {
		return fmt.Errorf("chunk: session completion handler: %w", err)
	}
	return nil
}
