package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"wasp/internal/protocol"
)

// TCPClient maintains a connection to a TCPServer, reconnecting with
// exponential backoff.
type TCPClient struct {
	cfg Config

	mu      sync.RWMutex
	current *peer
}

func NewTCPClient(cfg Config) *TCPClient {
	return &TCPClient{cfg: cfg.withDefaults()}
}

func (c *TCPClient) Run(ctx context.Context, handlers ClientHandlers) error {
	if err := c.cfg.validateClient(); err != nil {
		return err
	}
	logger := klog.FromContext(ctx).WithName("transport").WithValues("peer", c.cfg.Name)

	backoff := c.cfg.ReconnectMin
	for {
		connected, err := c.session(ctx, handlers)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			backoff = c.cfg.ReconnectMin
		}
		logger.V(2).Info("Reconnecting", "address", c.cfg.Address, "after", backoff, "err", err)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		backoff *= 2
		if backoff > c.cfg.ReconnectMax {
			backoff = c.cfg.ReconnectMax
		}
	}
}

func (c *TCPClient) session(ctx context.Context, h ClientHandlers) (bool, error) {
	logger := klog.FromContext(ctx).WithName("transport")

	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Address)
	if err != nil {
		return false, err
	}

	hello, err := protocol.Encode(protocol.Hello{Name: c.cfg.Name, Role: c.cfg.Role})
	if err != nil {
		_ = conn.Close()
		return false, err
	}
	if err := (&Frame{Type: FrameHello, Payload: hello}).Encode(conn, c.cfg.MaxPayload); err != nil {
		_ = conn.Close()
		return false, fmt.Errorf("send hello: %w", err)
	}

	p := newPeer(c.cfg.Name, conn, c.cfg)
	c.mu.Lock()
	c.current = p
	c.mu.Unlock()

	go p.writeLoop()
	logger.V(2).Info("Connected", "address", c.cfg.Address)
	if h.OnConnect != nil {
		h.OnConnect()
	}

	stop := context.AfterFunc(ctx, p.goodbye)
	defer stop()

	p.readLoop(func(f *Frame) {
		if f.Type != FrameMessage {
			return
		}
		msg, err := protocol.Decode(f.Payload)
		if err != nil {
			logger.Error(err, "Dropping undecodable message")
			return
		}
		if h.OnMessage != nil {
			h.OnMessage(msg)
		}
	})

	c.mu.Lock()
	if c.current == p {
		c.current = nil
	}
	c.mu.Unlock()

	if h.OnDisconnect != nil {
		h.OnDisconnect(p.closeErr)
	}
	return true, p.closeErr
}

func (c *TCPClient) Send(msg protocol.Message) error {
	c.mu.RLock()
	p := c.current
	c.mu.RUnlock()
	if p == nil {
		return fmt.Errorf("send %s: %w", msg.Kind(), ErrPeerNotConnected)
	}
	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := p.send(&Frame{Type: FrameMessage, Payload: payload}); err != nil {
		return fmt.Errorf("send %s: %w", msg.Kind(), err)
	}
	return nil
}
