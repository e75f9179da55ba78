package transport

import (
	"fmt"
	"net"
	"sync"

	"github.com/hearthnet/fleet/pkg/log"
)

// Acceptor listens for inbound connections and hands each one to a
// configurer before starting its read loop, so callers can register
// per-channel handlers (notably the auth handler on ChannelAuth)
// before any frame can possibly be dropped.
type Acceptor struct {
	ln net.Listener

	mu       sync.Mutex
	channels map[*Channel]struct{}
}

// Listen binds addr and returns an Acceptor ready to Serve.
func Listen(addr string) (*Acceptor, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return &Acceptor{ln: ln, channels: make(map[*Channel]struct{})}, nil
}

// Addr returns the bound address.
func (a *Acceptor) Addr() net.Addr { return a.ln.Addr() }

// Serve accepts connections until Close is called, invoking configure
// on each before launching its read loop in its own goroutine.
func (a *Acceptor) Serve(configure func(*Channel)) error {
	logger := log.WithComponent("transport")
	for {
		conn, err := a.ln.Accept()
		if err != nil {
			logger.Debug().Err(err).Msg("acceptor stopped")
			return err
		}

		ch := New(conn)
		a.track(ch)
		configure(ch)
		go ch.Serve()
	}
}

func (a *Acceptor) track(ch *Channel) {
	a.mu.Lock()
	a.channels[ch] = struct{}{}
	a.mu.Unlock()

	ch.OnClose(func(c *Channel) {
		a.mu.Lock()
		delete(a.channels, c)
		a.mu.Unlock()
	})
}

// Close stops accepting new connections and closes every tracked one.
func (a *Acceptor) Close() error {
	err := a.ln.Close()

	a.mu.Lock()
	channels := make([]*Channel, 0, len(a.channels))
	for ch := range a.channels {
		channels = append(channels, ch)
	}
	a.mu.Unlock()

	for _, ch := range channels {
		ch.Close()
	}
	return err
}

// Dial opens an outbound connection and wraps it, letting the caller
// configure handlers before starting the read loop.
func Dial(addr string, configure func(*Channel)) (*Channel, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	ch := New(conn)
	configure(ch)
	go ch.Serve()
	return ch, nil
}
