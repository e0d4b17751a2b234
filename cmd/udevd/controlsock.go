package main

import (
	"context"
	"net"
	"os"
	"sync"

	"github.com/joeycumines/udevd/internal/control"
)

// controlListener accepts connections on the AF_LOCAL SOCK_SEQPACKET control
// socket (spec.md 4.6: "Accepts one message at a time on a blocking-accept
// connection"). Each accepted connection yields at most one control.Message;
// a message carrying EXIT has its connection held open (spec.md: "hold the
// originating connection open as an acknowledgment the client blocks on")
// until closeHeldConnections runs, so the blocked client observes EOF only
// once shutdown has actually completed.
type controlListener struct {
	ln net.Listener

	mu       sync.Mutex
	holdOpen []net.Conn
}

func listenControl(path string) (*controlListener, error) {
	_ = os.Remove(path) // stale socket from a prior unclean exit.
	ln, err := net.Listen("unixpacket", path)
	if err != nil {
		return nil, err
	}
	return &controlListener{ln: ln}, nil
}

func (c *controlListener) Close() error {
	c.closeHeldConnections()
	return c.ln.Close()
}

// closeHeldConnections releases every EXIT connection, letting the blocked
// caller (e.g. "udevadm control --exit") observe EOF. Called once the
// manager's reactor loop has fully stopped.
func (c *controlListener) closeHeldConnections() {
	c.mu.Lock()
	conns := c.holdOpen
	c.holdOpen = nil
	c.mu.Unlock()
	for _, conn := range conns {
		_ = conn.Close()
	}
}

// run accepts connections until ctx is cancelled or the listener closes,
// reading exactly one datagram per connection and forwarding it on msgCh.
func (c *controlListener) run(ctx context.Context, msgCh chan<- control.Message) error {
	go func() {
		<-ctx.Done()
		_ = c.ln.Close()
	}()

	for {
		conn, err := c.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go c.handleConn(conn, msgCh)
	}
}

func (c *controlListener) handleConn(conn net.Conn, msgCh chan<- control.Message) {
	buf := make([]byte, 64*1024)
	n, err := conn.Read(buf)
	if err != nil {
		_ = conn.Close()
		return
	}
	data := append([]byte(nil), buf[:n]...)

	// Whether to hold the connection is decided here, up front, by
	// inspecting which ops the message carries -- simpler and race-free
	// compared to synchronizing with control.Apply's (asynchronous, batched)
	// processing just to learn the same thing.
	hasExit := false
	for _, op := range control.ParseMessage(data, func(string, string) {}) {
		if op.Kind == control.KindExit {
			hasExit = true
			break
		}
	}

	if hasExit {
		c.mu.Lock()
		c.holdOpen = append(c.holdOpen, conn)
		c.mu.Unlock()
	} else {
		defer conn.Close()
	}

	msgCh <- control.Message{Data: data, Ack: func() {}}
}
