// Package bus implements C5: targeted, multicast, and query/response
// messaging on top of pkg/transport, with correlation-based replies.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hearthnet/fleet/pkg/log"
	"github.com/hearthnet/fleet/pkg/transport"
	"github.com/hearthnet/fleet/pkg/types"
	"github.com/hearthnet/fleet/pkg/wire"
)

// DefaultQueryTimeout is used by Query when the caller passes zero.
const DefaultQueryTimeout = 20 * time.Second

// Subscriber handles one ChannelMessage delivered to this node,
// either because it arrived locally via Publish or over the wire.
// A non-nil response is only sent back when the original message
// requested one.
type Subscriber func(msg types.ChannelMessage) []byte

// Router resolves a message's targets into the set of remote
// transport channels that must receive it. Local delivery (targets
// matching this node) is handled by Bus itself and is not the
// Router's concern. Kept as an interface so pkg/bus never imports
// pkg/cluster or pkg/serviceman directly — those own the actual
// roster/placement knowledge (§9 "capability handle" pattern).
type Router interface {
	ChannelsFor(targets []types.Target) []*transport.Channel
	Self() types.NodeIdentity
}

// Bus dispatches ChannelMessages by channel name to registered
// subscribers (in registration order) and forwards to remote peers
// through a Router, correlating query replies by queryUniqueId.
type Bus struct {
	router Router

	mu          sync.RWMutex
	subscribers map[string][]Subscriber

	pending sync.Map // queryUniqueId -> *pendingQuery
}

type pendingQuery struct {
	mu        sync.Mutex
	responses []types.ChannelMessage
	done      chan struct{}
	closed    bool
}

func (p *pendingQuery) add(msg types.ChannelMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.responses = append(p.responses, msg)
}

// New creates a Bus routed through router.
func New(router Router) *Bus {
	return &Bus{router: router, subscribers: make(map[string][]Subscriber)}
}

// Subscribe registers h to receive messages on channel, preserving
// registration order for fan-out. h's parameter type is spelled out
// rather than as Subscriber so that *Bus satisfies any consumer-side
// interface (e.g. pkg/serviceman.Bus) declaring the same method with
// an unnamed function type — named and unnamed function types are
// never identical in Go, so a method taking Subscriber itself would
// not satisfy such an interface.
func (b *Bus) Subscribe(channel string, h func(msg types.ChannelMessage) []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = append(b.subscribers[channel], h)
}

// Publish delivers msg to local subscribers and forwards it to every
// remote channel the Router resolves the targets to. No replies are
// collected; use Query for request/response.
func (b *Bus) Publish(msg types.ChannelMessage) error {
	msg.Sender = b.router.Self()
	b.dispatchLocal(msg)
	return b.forward(msg, false)
}

func (b *Bus) dispatchLocal(msg types.ChannelMessage) []byte {
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subscribers[msg.Channel]...)
	b.mu.RUnlock()

	var last []byte
	for _, s := range subs {
		if r := s(msg); r != nil {
			last = r
		}
	}
	return last
}

func (b *Bus) forward(msg types.ChannelMessage, expectResponse bool) error {
	channels := b.router.ChannelsFor(msg.Targets)
	if len(channels) == 0 {
		return nil
	}
	payload := EncodeMessage(msg, expectResponse)
	var firstErr error
	for _, ch := range channels {
		if err := ch.Send(wire.Frame{ChannelID: wire.ChannelMessage, Payload: payload}); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("bus: forward to %v: %w", ch.RemoteAddr(), err)
		}
	}
	return firstErr
}

// Query publishes msg with query correlation, waits up to timeout
// (DefaultQueryTimeout if zero) and returns whatever local and remote
// responses arrived. A timeout is not an error — spec §8 requires an
// empty collection and no exception when nothing replies in time.
func (b *Bus) Query(ctx context.Context, msg types.ChannelMessage, timeout time.Duration) ([]types.ChannelMessage, error) {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	msg.Sender = b.router.Self()
	msg.QueryUniqueID = uuid.NewString()

	pq := &pendingQuery{done: make(chan struct{})}
	b.pending.Store(msg.QueryUniqueID, pq)
	defer b.pending.Delete(msg.QueryUniqueID)

	if local := b.dispatchLocal(msg); local != nil {
		pq.add(types.ChannelMessage{Sender: b.router.Self(), Channel: msg.Channel, Content: local, QueryUniqueID: msg.QueryUniqueID})
	}

	if err := b.forward(msg, true); err != nil {
		log.WithComponent("bus").Warn().Err(err).Str("query", msg.QueryUniqueID).Msg("query forward had errors")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-pq.done:
	}

	pq.mu.Lock()
	defer pq.mu.Unlock()
	pq.closed = true
	return pq.responses, nil
}

// HandleIncomingMessage is a transport.Handler for ChannelMessage (id
// 2): it decodes the envelope, dispatches to local subscribers, and —
// when the sender expects a reply — sends one back explicitly on
// ChannelQueryReply (id 3), tagged with the same query id, since
// Channel.Serve only ever echoes a handler's return value back on the
// channel the request arrived on and only when the frame carried a
// packet id. Query frames carry neither, so the reply must be sent
// directly here rather than returned up to Serve.
func (b *Bus) HandleIncomingMessage(ch *transport.Channel, f wire.Frame) ([]byte, error) {
	msg, expectResponse, err := DecodeMessage(f.Payload)
	if err != nil {
		return nil, fmt.Errorf("bus: decode incoming message: %w", err)
	}

	reply := b.dispatchLocal(msg)
	if !expectResponse {
		return nil, nil
	}

	respMsg := types.ChannelMessage{
		Sender:        b.router.Self(),
		Channel:       msg.Channel,
		Content:       reply,
		QueryUniqueID: msg.QueryUniqueID,
	}
	payload := EncodeMessage(respMsg, false)
	if err := ch.Send(wire.Frame{ChannelID: wire.ChannelQueryReply, Payload: payload}); err != nil {
		return nil, fmt.Errorf("bus: send query reply: %w", err)
	}
	return nil, nil
}

// HandleIncomingReply is a transport.Handler for ChannelQueryReply (id
// 3): it decodes the reply and delivers it to the matching pending
// Query, if any is still waiting.
func (b *Bus) HandleIncomingReply(ch *transport.Channel, f wire.Frame) ([]byte, error) {
	msg, _, err := DecodeMessage(f.Payload)
	if err != nil {
		return nil, fmt.Errorf("bus: decode reply: %w", err)
	}
	v, ok := b.pending.Load(msg.QueryUniqueID)
	if !ok {
		return nil, nil
	}
	pq := v.(*pendingQuery)
	pq.add(msg)
	return nil, nil
}
