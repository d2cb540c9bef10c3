package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"wasp/internal/protocol"
)

var errReplaced = errors.New("replaced by a newer connection")

// TCPServer accepts framed connections and tracks peers by the name they
// announce in their Hello frame.
type TCPServer struct {
	cfg Config

	mu       sync.RWMutex
	listener net.Listener
	peers    map[string]*peer
	wg       sync.WaitGroup
}

func NewTCPServer(cfg Config) *TCPServer {
	return &TCPServer{
		cfg:   cfg.withDefaults(),
		peers: make(map[string]*peer),
	}
}

// Listen binds the listening socket. Serve calls it when needed; calling it
// first lets callers learn the bound address.
func (s *TCPServer) Listen() (net.Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr(), nil
	}
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", s.cfg.Address, err)
	}
	s.listener = ln
	return ln.Addr(), nil
}

func (s *TCPServer) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until ctx is cancelled, then says goodbye to
// every connected peer.
func (s *TCPServer) Serve(ctx context.Context, handlers ServerHandlers) error {
	addr, err := s.Listen()
	if err != nil {
		return err
	}
	logger := klog.FromContext(ctx).WithName("transport")
	logger.Info("Listening", "address", addr.String())

	s.mu.RLock()
	ln := s.listener
	s.mu.RUnlock()

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			logger.Error(err, "Accept failed")
			time.Sleep(50 * time.Millisecond)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn, handlers)
		}()
	}

	s.closeAll()
	s.wg.Wait()
	return nil
}

func (s *TCPServer) handleConn(ctx context.Context, conn net.Conn, h ServerHandlers) {
	logger := klog.FromContext(ctx).WithName("transport")

	hello, err := s.readHello(conn)
	if err != nil {
		logger.V(2).Info("Rejected connection", "remote", conn.RemoteAddr().String(), "err", err)
		_ = conn.Close()
		return
	}

	p := newPeer(hello.Name, conn, s.cfg)
	old, err := s.register(p)
	if err != nil {
		logger.Info("Rejected peer", "peer", hello.Name, "err", err)
		_ = conn.Close()
		return
	}
	if old != nil {
		old.close(errReplaced)
		if h.OnDisconnect != nil {
			h.OnDisconnect(hello.Name)
		}
	}

	logger.V(2).Info("Peer connected", "peer", hello.Name, "role", hello.Role, "remote", conn.RemoteAddr().String())
	if h.OnConnect != nil {
		h.OnConnect(PeerInfo{Name: hello.Name, Role: hello.Role})
	}

	go p.writeLoop()
	p.readLoop(func(f *Frame) {
		if f.Type != FrameMessage {
			return
		}
		msg, err := protocol.Decode(f.Payload)
		if err != nil {
			logger.Error(err, "Dropping undecodable message", "peer", hello.Name)
			return
		}
		if h.OnMessage != nil {
			h.OnMessage(hello.Name, msg)
		}
	})

	s.mu.Lock()
	current := s.peers[hello.Name] == p
	if current {
		delete(s.peers, hello.Name)
	}
	s.mu.Unlock()

	if current {
		logger.V(2).Info("Peer disconnected", "peer", hello.Name, "err", p.closeErr)
		if h.OnDisconnect != nil {
			h.OnDisconnect(hello.Name)
		}
	}
}

func (s *TCPServer) readHello(conn net.Conn) (protocol.Hello, error) {
	if err := conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout)); err != nil {
		return protocol.Hello{}, err
	}
	f, err := DecodeFrame(conn, s.cfg.MaxPayload)
	if err != nil {
		return protocol.Hello{}, fmt.Errorf("read hello: %w", err)
	}
	if f.Type != FrameHello {
		return protocol.Hello{}, fmt.Errorf("expected hello frame, got type %#x", f.Type)
	}
	msg, err := protocol.Decode(f.Payload)
	if err != nil {
		return protocol.Hello{}, fmt.Errorf("decode hello: %w", err)
	}
	hello, ok := msg.(protocol.Hello)
	if !ok {
		return protocol.Hello{}, fmt.Errorf("expected hello, got %s", msg.Kind())
	}
	if hello.Name == "" || !hello.Role.Valid() {
		return protocol.Hello{}, fmt.Errorf("invalid hello %+v", hello)
	}
	return hello, conn.SetReadDeadline(time.Time{})
}

// register installs p under its name and returns the peer it displaced.
func (s *TCPServer) register(p *peer) (*peer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.peers[p.name]
	if old == nil && len(s.peers) >= s.cfg.MaxPeers {
		return nil, errors.New("max peers reached")
	}
	s.peers[p.name] = p
	return old, nil
}

func (s *TCPServer) Send(name string, msg protocol.Message) error {
	s.mu.RLock()
	p, ok := s.peers[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("send %s to %s: %w", msg.Kind(), name, ErrPeerNotConnected)
	}
	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := p.send(&Frame{Type: FrameMessage, Payload: payload}); err != nil {
		return fmt.Errorf("send %s to %s: %w", msg.Kind(), name, err)
	}
	return nil
}

// Peers lists the names of connected peers.
func (s *TCPServer) Peers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.peers))
	for name := range s.peers {
		names = append(names, name)
	}
	return names
}

func (s *TCPServer) closeAll() {
	s.mu.RLock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, p := range peers {
		wg.Add(1)
		go func(p *peer) {
			defer wg.Done()
			p.goodbye()
		}(p)
	}
	wg.Wait()
}
