package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2/ktesting"

	"wasp/internal/protocol"
)

func runNATS(t *testing.T) (string, *nats.Conn) {
	t.Helper()
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	srv := natsserver.RunServer(&opts)
	t.Cleanup(srv.Shutdown)

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return srv.ClientURL(), nc
}

// startNATSHub serves until ctx ends and returns once the hub has announced
// itself. The returned channel closes when Serve returns.
func startNATSHub(t *testing.T, ctx context.Context, url string, nc *nats.Conn) (*serverEvents, <-chan struct{}) {
	t.Helper()
	subjects := Subjects{}
	announced, err := nc.SubscribeSync(subjects.Announce())
	require.NoError(t, err)
	defer announced.Unsubscribe()

	srv := NewNATSServer(url, subjects, Config{HeartbeatInterval: 50 * time.Millisecond})
	ev, handlers := newServerEvents()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, handlers)
	}()
	t.Cleanup(func() { <-done })

	m, err := announced.NextMsg(5 * time.Second)
	require.NoError(t, err)
	require.Equal(t, presenceHello, m.Header.Get(headerPresence))
	return ev, done
}

func publishAs(t *testing.T, nc *nats.Conn, subject, from string, role protocol.Role, msg protocol.Message) {
	t.Helper()
	payload, err := protocol.Encode(msg)
	require.NoError(t, err)
	m := nats.NewMsg(subject)
	m.Header.Set(headerFrom, from)
	if role != "" {
		m.Header.Set(headerRole, string(role))
	}
	m.Data = payload
	require.NoError(t, nc.PublishMsg(m))
	require.NoError(t, nc.Flush())
}

func TestNATSRoleTravelsWithHubMessages(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	url, nc := runNATS(t)
	ev, _ := startNATSHub(t, ctx, url, nc)
	subjects := Subjects{}

	// A command that overtakes the presence hello still carries the role.
	publishAs(t, nc, subjects.Hub(), "ops", protocol.RoleAdmin, protocol.AdminCommand{Command: protocol.CmdQuitWorkers})
	require.Equal(t, PeerInfo{Name: "ops", Role: protocol.RoleAdmin}, recv(t, ev.connects))
	require.Equal(t, protocol.AdminCommand{Command: protocol.CmdQuitWorkers}, recv(t, ev.messages))

	// Without the header the role arrives with the later hello.
	publishAs(t, nc, subjects.Hub(), "legacy", "", protocol.AdminCommand{Command: protocol.CmdInfo})
	require.Equal(t, PeerInfo{Name: "legacy"}, recv(t, ev.connects))
	recv(t, ev.messages)

	m := nats.NewMsg(subjects.Presence())
	m.Header.Set(headerFrom, "legacy")
	m.Header.Set(headerPresence, presenceHello)
	hello, err := protocol.Encode(protocol.Hello{Name: "legacy", Role: protocol.RoleAdmin})
	require.NoError(t, err)
	m.Data = hello
	require.NoError(t, nc.PublishMsg(m))
	require.NoError(t, nc.Flush())
	require.Equal(t, PeerInfo{Name: "legacy", Role: protocol.RoleAdmin}, recv(t, ev.connects))
}

func TestNATSClientRegistersAgainAfterHubRestart(t *testing.T) {
	_, ctx := ktesting.NewTestContext(t)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	url, nc := runNATS(t)

	hubCtx, stopHub := context.WithCancel(ctx)
	ev, hubDone := startNATSHub(t, hubCtx, url, nc)

	connected := make(chan struct{}, 8)
	disconnected := make(chan error, 8)
	client := NewNATSClient(url, Subjects{}, Config{Name: "w1", Role: protocol.RoleWorker, HeartbeatInterval: 50 * time.Millisecond})
	clientDone := make(chan error, 1)
	go func() {
		clientDone <- client.Run(ctx, ClientHandlers{
			OnConnect:    func() { connected <- struct{}{} },
			OnDisconnect: func(err error) { disconnected <- err },
		})
	}()
	recv(t, connected)
	require.Equal(t, PeerInfo{Name: "w1", Role: protocol.RoleWorker}, recv(t, ev.connects))

	stopHub()
	<-hubDone
	require.True(t, errors.Is(recv(t, disconnected), ErrHubStopped))

	ev, _ = startNATSHub(t, ctx, url, nc)
	recv(t, connected)
	require.Equal(t, PeerInfo{Name: "w1", Role: protocol.RoleWorker}, recv(t, ev.connects))
	require.NoError(t, client.Send(protocol.WorkerReady{Capacity: 2}))
	require.Equal(t, protocol.WorkerReady{Capacity: 2}, recv(t, ev.messages))

	cancel()
	require.NoError(t, recv(t, clientDone))
}
