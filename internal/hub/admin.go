package hub

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"wasp/internal/protocol"
)

func (h *Hub) isAdmin(name string) bool {
	return h.admins[name] || h.roles[name] == protocol.RoleAdmin
}

// handleAdmin runs a control command. Queries are answered for any peer;
// everything else requires an admin peer.
func (h *Hub) handleAdmin(from string, cmd protocol.AdminCommand) {
	if cmd.IsQuery() {
		h.reply(from, h.query(cmd.Command))
		return
	}
	if !h.isAdmin(from) {
		h.logger.Info("Ignoring admin command from non-admin peer", "peer", from, "command", cmd.Command)
		return
	}
	h.logger.Info("Admin command", "peer", from, "command", cmd.Command)

	switch cmd.Command {
	case protocol.CmdQuitNow:
		h.broadcastWorkers(protocol.CmdQuit)
		h.broadcastManagers(protocol.CmdQuitNow)
	case protocol.CmdQuitWorkers:
		h.broadcastWorkers(protocol.CmdQuit)
	case protocol.CmdQuitManagers:
		h.broadcastManagers(protocol.CmdQuitNow)
	case protocol.CmdQuitGeneration:
		h.broadcastManagers(protocol.CmdQuitGeneration)
	case protocol.CmdConditionalRefresh:
		h.broadcastManagers(protocol.CmdConditionalRefresh)
	case protocol.CmdManagerRefresh:
		h.broadcastManagers(protocol.CmdRefresh)
	default:
		if target, ok := cmd.ManagerRefreshTarget(); ok {
			h.sendCommand(target, protocol.CmdRefresh)
			return
		}
		h.logger.Info("Unsupported admin command", "command", cmd.Command)
	}
}

func (h *Hub) broadcastWorkers(command string) {
	for _, name := range sortedKeys(h.workers) {
		h.sendCommand(name, command)
	}
}

func (h *Hub) broadcastManagers(command string) {
	for _, name := range sortedKeys(h.managers) {
		h.sendCommand(name, command)
	}
}

func (h *Hub) sendCommand(peer, command string) {
	if err := h.sender.Send(peer, protocol.AdminCommand{Command: command}); err != nil {
		h.logger.Error(err, "Sending command failed", "peer", peer, "command", command)
	}
}

func (h *Hub) reply(peer, text string) {
	if err := h.sender.Send(peer, protocol.StatusReport{Text: text}); err != nil {
		h.logger.Error(err, "Sending status failed", "peer", peer)
	}
}

func (h *Hub) query(command string) string {
	switch command {
	case protocol.CmdRequestInfo:
		return h.requestInfo()
	case protocol.CmdGetJobCounts:
		return h.jobCounts()
	default:
		return h.info()
	}
}

func (h *Hub) slots() int {
	total := 0
	for _, w := range h.workers {
		total += w.capacity
	}
	return total
}

func (h *Hub) info() string {
	var b strings.Builder
	fmt.Fprintf(&b, "managers: %d\n", len(h.managers))
	fmt.Fprintf(&b, "workers: %d\n", len(h.workers))
	fmt.Fprintf(&b, "workerThreads: %d\n", h.slots())
	fmt.Fprintf(&b, "ready workers: %d\n", len(h.ready))
	fmt.Fprintf(&b, "jobs: %d\n", h.queue.Len())
	fmt.Fprintf(&b, "%s, started %s", h.StatusLine(), humanize.RelTime(h.startedAt, h.now(), "ago", "from now"))
	return b.String()
}

func (h *Hub) requestInfo() string {
	var b strings.Builder
	section := func(title string, names []string) {
		b.WriteString(title)
		for _, name := range names {
			b.WriteString("\n    ")
			b.WriteString(name)
		}
		b.WriteString("\n" + strings.Repeat("*", 20) + "\n")
	}
	section("managers", sortedKeys(h.managers))
	section("workers", sortedKeys(h.workers))
	section("ready workers", append([]string(nil), h.ready...))
	return b.String()
}

// jobCounts reports active and pending jobs per manager.
func (h *Hub) jobCounts() string {
	active := make(map[string]int, len(h.managers))
	pending := make(map[string]int, len(h.managers))
	for name := range h.managers {
		active[name] = 0
	}
	for _, w := range h.workers {
		for _, j := range w.active {
			active[j.manager]++
		}
	}
	h.queue.Each(func(j *job) { pending[j.manager]++ })

	var b strings.Builder
	b.WriteString("managers")
	for _, name := range sortedKeys(active) {
		fmt.Fprintf(&b, "\n%s: %d active, %d pending", name, active[name], pending[name])
	}
	return b.String()
}

// StatusLine is the periodic one-line summary.
func (h *Hub) StatusLine() string {
	return humanize.Comma(h.tested) + " layouts tested"
}

func (h *Hub) logStatus() {
	h.logger.Info(h.StatusLine(),
		"workers", len(h.workers),
		"slots", h.slots(),
		"ready", len(h.ready),
		"managers", len(h.managers),
		"queue", h.queue.Len())
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
