package transport

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"k8s.io/klog/v2"

	"wasp/internal/protocol"
)

const (
	headerFrom     = "Wasp-From"
	headerRole     = "Wasp-Role"
	headerPresence = "Wasp-Presence"

	presenceHello = "hello"
	presenceBeat  = "beat"
	presenceBye   = "bye"

	DefaultSubjectPrefix = "wasp"
)

// Subjects names the NATS subjects used by one deployment.
type Subjects struct {
	Prefix string
}

func (s Subjects) prefix() string {
	if s.Prefix == "" {
		return DefaultSubjectPrefix
	}
	return s.Prefix
}

func (s Subjects) Hub() string             { return s.prefix() + ".hub" }
func (s Subjects) Presence() string        { return s.prefix() + ".presence" }
func (s Subjects) Announce() string        { return s.prefix() + ".announce" }
func (s Subjects) Peer(name string) string { return s.prefix() + ".peer." + name }

// validSubjectToken rejects names that would change the subject hierarchy.
func validSubjectToken(name string) error {
	if name == "" || strings.ContainsAny(name, ".*> \t\r\n") {
		return fmt.Errorf("peer name %q is not a valid subject token", name)
	}
	return nil
}

// NATSServer is the hub side of the NATS fabric. Peers announce themselves
// on the presence subject; silence past DisconnectTimeout counts as a
// disconnect. The hub says hello on the announce subject when it starts and
// bye when it stops, so peers re-register with a restarted hub.
type NATSServer struct {
	url      string
	cfg      Config
	subjects Subjects
	presence *Presence

	mu sync.RWMutex
	nc *nats.Conn
}

func NewNATSServer(url string, subjects Subjects, cfg Config) *NATSServer {
	return &NATSServer{
		url:      url,
		cfg:      cfg.withDefaults(),
		subjects: subjects,
		presence: NewPresence(),
	}
}

func (s *NATSServer) Serve(ctx context.Context, h ServerHandlers) error {
	logger := klog.FromContext(ctx).WithName("transport")

	nc, err := nats.Connect(s.url, nats.Name("wasp-hub"), nats.MaxReconnects(-1))
	if err != nil {
		return fmt.Errorf("connect nats %s: %w", s.url, err)
	}
	s.mu.Lock()
	s.nc = nc
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.nc = nil
		s.mu.Unlock()
		_ = nc.Drain()
	}()

	// Callbacks run on per-subscription goroutines; serialize them so
	// connect always precedes messages from the same peer.
	var cbMu sync.Mutex
	touch := func(name string, role protocol.Role) {
		if s.presence.Touch(name, role, time.Now()) {
			role = s.presence.Role(name)
			logger.V(2).Info("Peer connected", "peer", name, "role", role)
			if h.OnConnect != nil {
				h.OnConnect(PeerInfo{Name: name, Role: role})
			}
		}
	}

	presenceSub, err := nc.Subscribe(s.subjects.Presence(), func(m *nats.Msg) {
		cbMu.Lock()
		defer cbMu.Unlock()

		name := m.Header.Get(headerFrom)
		if validSubjectToken(name) != nil {
			return
		}
		switch m.Header.Get(headerPresence) {
		case presenceBye:
			if s.presence.Remove(name) && h.OnDisconnect != nil {
				logger.V(2).Info("Peer left", "peer", name)
				h.OnDisconnect(name)
			}
		default:
			role := headerRoleOf(m)
			if msg, err := protocol.Decode(m.Data); err == nil {
				if hello, ok := msg.(protocol.Hello); ok && hello.Role.Valid() {
					role = hello.Role
				}
			}
			touch(name, role)
		}
	})
	if err != nil {
		return err
	}
	defer presenceSub.Unsubscribe()

	hubSub, err := nc.Subscribe(s.subjects.Hub(), func(m *nats.Msg) {
		cbMu.Lock()
		defer cbMu.Unlock()

		name := m.Header.Get(headerFrom)
		if validSubjectToken(name) != nil {
			logger.V(2).Info("Dropping message without sender")
			return
		}
		msg, err := protocol.Decode(m.Data)
		if err != nil {
			logger.Error(err, "Dropping undecodable message", "peer", name)
			return
		}
		touch(name, headerRoleOf(m))
		if h.OnMessage != nil {
			h.OnMessage(name, msg)
		}
	})
	if err != nil {
		return err
	}
	defer hubSub.Unsubscribe()

	if err := s.announce(nc, presenceHello); err != nil {
		logger.Error(err, "Hub announcement failed")
	}
	defer func() {
		_ = s.announce(nc, presenceBye)
	}()
	logger.Info("Serving on NATS", "url", s.url, "subject", s.subjects.Hub())

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			cbMu.Lock()
			for _, name := range s.presence.Expire(now, s.cfg.DisconnectTimeout) {
				logger.V(2).Info("Peer timed out", "peer", name)
				if h.OnDisconnect != nil {
					h.OnDisconnect(name)
				}
			}
			cbMu.Unlock()
		}
	}
}

func (s *NATSServer) announce(nc *nats.Conn, kind string) error {
	m := nats.NewMsg(s.subjects.Announce())
	m.Header.Set(headerFrom, "hub")
	m.Header.Set(headerPresence, kind)
	return nc.PublishMsg(m)
}

func headerRoleOf(m *nats.Msg) protocol.Role {
	role := protocol.Role(m.Header.Get(headerRole))
	if !role.Valid() {
		return ""
	}
	return role
}

func (s *NATSServer) Send(name string, msg protocol.Message) error {
	s.mu.RLock()
	nc := s.nc
	s.mu.RUnlock()
	if nc == nil || !s.presence.Connected(name) {
		return fmt.Errorf("send %s to %s: %w", msg.Kind(), name, ErrPeerNotConnected)
	}
	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if len(payload) > s.cfg.MaxPayload {
		return ErrFrameTooLarge
	}
	return nc.Publish(s.subjects.Peer(name), payload)
}

// NATSClient is the peer side of the NATS fabric. OnConnect fires on the
// first connect, after a NATS reconnect and whenever a hub announces itself;
// a hub that says bye fires OnDisconnect.
type NATSClient struct {
	url      string
	cfg      Config
	subjects Subjects

	mu sync.RWMutex
	nc *nats.Conn
}

func NewNATSClient(url string, subjects Subjects, cfg Config) *NATSClient {
	return &NATSClient{url: url, cfg: cfg.withDefaults(), subjects: subjects}
}

func (c *NATSClient) Run(ctx context.Context, h ClientHandlers) error {
	if err := c.cfg.validateClient(); err != nil {
		return err
	}
	if err := validSubjectToken(c.cfg.Name); err != nil {
		return err
	}
	logger := klog.FromContext(ctx).WithName("transport").WithValues("peer", c.cfg.Name)

	hello, err := protocol.Encode(protocol.Hello{Name: c.cfg.Name, Role: c.cfg.Role})
	if err != nil {
		return err
	}

	reconnected := make(chan struct{}, 1)
	nc, err := nats.Connect(c.url,
		nats.Name("wasp-"+c.cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(c.cfg.ReconnectMin),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.V(2).Info("Disconnected from NATS", "err", err)
			if h.OnDisconnect != nil {
				h.OnDisconnect(err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			select {
			case reconnected <- struct{}{}:
			default:
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("connect nats %s: %w", c.url, err)
	}
	c.mu.Lock()
	c.nc = nc
	c.mu.Unlock()

	sub, err := nc.Subscribe(c.subjects.Peer(c.cfg.Name), func(m *nats.Msg) {
		msg, err := protocol.Decode(m.Data)
		if err != nil {
			logger.Error(err, "Dropping undecodable message")
			return
		}
		if h.OnMessage != nil {
			h.OnMessage(msg)
		}
	})
	if err != nil {
		nc.Close()
		return err
	}

	hubHello := make(chan struct{}, 1)
	hubBye := make(chan struct{}, 1)
	hubSub, err := nc.Subscribe(c.subjects.Announce(), func(m *nats.Msg) {
		ch := hubHello
		if m.Header.Get(headerPresence) == presenceBye {
			ch = hubBye
		}
		select {
		case ch <- struct{}{}:
		default:
		}
	})
	if err != nil {
		_ = sub.Unsubscribe()
		nc.Close()
		return err
	}

	announce := func(kind string) error {
		m := nats.NewMsg(c.subjects.Presence())
		m.Header.Set(headerFrom, c.cfg.Name)
		m.Header.Set(headerRole, string(c.cfg.Role))
		m.Header.Set(headerPresence, kind)
		m.Data = hello
		return nc.PublishMsg(m)
	}
	if err := announce(presenceHello); err != nil {
		logger.Error(err, "Presence announcement failed")
	}
	if h.OnConnect != nil {
		h.OnConnect()
	}

	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = announce(presenceBye)
			_ = hubSub.Unsubscribe()
			_ = sub.Unsubscribe()
			c.mu.Lock()
			c.nc = nil
			c.mu.Unlock()
			_ = nc.Drain()
			return nil
		case <-reconnected:
			if err := announce(presenceHello); err != nil {
				logger.Error(err, "Presence announcement failed")
				continue
			}
			if h.OnConnect != nil {
				h.OnConnect()
			}
		case <-hubHello:
			logger.V(2).Info("Hub announced itself, registering again")
			if err := announce(presenceHello); err != nil {
				logger.Error(err, "Presence announcement failed")
				continue
			}
			if h.OnConnect != nil {
				h.OnConnect()
			}
		case <-hubBye:
			logger.V(2).Info("Hub stopped")
			if h.OnDisconnect != nil {
				h.OnDisconnect(ErrHubStopped)
			}
		case <-ticker.C:
			if err := announce(presenceBeat); err != nil {
				logger.V(4).Info("Heartbeat failed", "err", err)
			}
		}
	}
}

func (c *NATSClient) Send(msg protocol.Message) error {
	c.mu.RLock()
	nc := c.nc
	c.mu.RUnlock()
	if nc == nil || !nc.IsConnected() {
		return fmt.Errorf("send %s: %w", msg.Kind(), ErrPeerNotConnected)
	}
	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	m := nats.NewMsg(c.subjects.Hub())
	m.Header.Set(headerFrom, c.cfg.Name)
	m.Header.Set(headerRole, string(c.cfg.Role))
	m.Data = payload
	return nc.PublishMsg(m)
}
