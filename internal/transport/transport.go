// Package transport moves protocol messages between named peers. The hub
// runs a Server; managers, workers and admin tools run a Client.
package transport

import (
	"context"
	"errors"

	"wasp/internal/protocol"
)

var (
	ErrPeerNotConnected = errors.New("peer not connected")
	ErrSendQueueFull    = errors.New("send queue full")
	ErrHubStopped       = errors.New("hub stopped")
)

// PeerInfo is what a peer announced when it connected.
type PeerInfo struct {
	Name string
	Role protocol.Role
}

// ServerHandlers are invoked from transport goroutines. Implementations
// should hand the event off quickly.
type ServerHandlers struct {
	OnConnect    func(peer PeerInfo)
	OnDisconnect func(name string)
	OnMessage    func(from string, msg protocol.Message)
}

type ClientHandlers struct {
	OnConnect    func()
	OnDisconnect func(err error)
	OnMessage    func(msg protocol.Message)
}

// Server accepts peers and delivers messages to them by name.
type Server interface {
	Serve(ctx context.Context, handlers ServerHandlers) error
	Send(peer string, msg protocol.Message) error
}

// Client keeps a connection to the hub alive until ctx is cancelled.
type Client interface {
	Run(ctx context.Context, handlers ClientHandlers) error
	Send(msg protocol.Message) error
}
