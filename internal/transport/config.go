package transport

import (
	"fmt"
	"time"

	"wasp/internal/protocol"
)

// Config holds transport settings shared by servers and clients.
type Config struct {
	// Address to bind (server) or connect to (client).
	Address string

	// Name and Role identify a client to the hub.
	Name string
	Role protocol.Role

	MaxPeers      int
	MaxPayload    int
	SendQueueSize int

	ConnectTimeout    time.Duration
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	DisconnectTimeout time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
}

func DefaultConfig() Config {
	return Config{
		Address:           ":7311",
		MaxPeers:          1024,
		MaxPayload:        DefaultMaxPayload,
		SendQueueSize:     256,
		ConnectTimeout:    5 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		DisconnectTimeout: 45 * time.Second,
		ReconnectMin:      500 * time.Millisecond,
		ReconnectMax:      30 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Address == "" {
		c.Address = d.Address
	}
	if c.MaxPeers <= 0 {
		c.MaxPeers = d.MaxPeers
	}
	if c.MaxPayload <= 0 {
		c.MaxPayload = d.MaxPayload
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.DisconnectTimeout <= 0 {
		c.DisconnectTimeout = d.DisconnectTimeout
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = d.ReconnectMin
	}
	if c.ReconnectMax < c.ReconnectMin {
		c.ReconnectMax = d.ReconnectMax
		if c.ReconnectMax < c.ReconnectMin {
			c.ReconnectMax = c.ReconnectMin
		}
	}
	return c
}

func (c Config) validateClient() error {
	if c.Name == "" {
		return fmt.Errorf("transport client name is required")
	}
	if !c.Role.Valid() {
		return fmt.Errorf("transport client role %q is invalid", c.Role)
	}
	return nil
}
