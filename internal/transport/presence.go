package transport

import (
	"sort"
	"sync"
	"time"

	"wasp/internal/protocol"
)

// Presence tracks which peers have been heard from recently. It backs the
// connect and disconnect callbacks of transports without a connection per
// peer.
type Presence struct {
	mu    sync.Mutex
	peers map[string]presenceEntry
}

type presenceEntry struct {
	role     protocol.Role
	lastSeen time.Time
}

func NewPresence() *Presence {
	return &Presence{peers: make(map[string]presenceEntry)}
}

// Touch records activity from name. It reports true when the peer is new or
// names a role different from the one on record; an empty role keeps the
// recorded one.
func (p *Presence) Touch(name string, role protocol.Role, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.peers[name]
	changed := !ok || (role != "" && role != entry.role)
	if ok && role == "" {
		role = entry.role
	}
	p.peers[name] = presenceEntry{role: role, lastSeen: now}
	return changed
}

// Role returns the role recorded for name.
func (p *Presence) Role(name string) protocol.Role {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peers[name].role
}

func (p *Presence) Remove(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.peers[name]
	delete(p.peers, name)
	return ok
}

// Expire drops and returns the peers not seen within timeout, sorted.
func (p *Presence) Expire(now time.Time, timeout time.Duration) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	var expired []string
	for name, entry := range p.peers {
		if now.Sub(entry.lastSeen) > timeout {
			expired = append(expired, name)
			delete(p.peers, name)
		}
	}
	sort.Strings(expired)
	return expired
}

func (p *Presence) Connected(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.peers[name]
	return ok
}

func (p *Presence) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.peers)
}
