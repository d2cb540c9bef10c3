package protocol

import "strings"

// Admin command texts.
const (
	CmdQuit               = "quit"
	CmdQuitNow            = "quit-now"
	CmdQuitWorkers        = "quit-workers"
	CmdQuitManagers       = "quit-managers"
	CmdQuitGeneration     = "quit-generation"
	CmdRefresh            = "refresh"
	CmdConditionalRefresh = "conditional-refresh"
	CmdManagerRefresh     = "manager-refresh"
	CmdInfo               = "info"
	CmdRequestInfo        = "request-info"
	CmdGetJobCounts       = "get-job-counts"

	managerRefreshPrefix = CmdManagerRefresh + "-"
)

var adminCommands = map[string]struct{}{
	CmdQuit:               {},
	CmdQuitNow:            {},
	CmdQuitWorkers:        {},
	CmdQuitManagers:       {},
	CmdQuitGeneration:     {},
	CmdRefresh:            {},
	CmdConditionalRefresh: {},
	CmdManagerRefresh:     {},
	CmdInfo:               {},
	CmdRequestInfo:        {},
	CmdGetJobCounts:       {},
}

// aliases seen from older tooling.
var adminAliases = map[string]string{
	"get_job_counts": CmdGetJobCounts,
	"request_info":   CmdRequestInfo,
}

// ParseAdmin matches text against the admin command table. It returns false
// for anything that is not a known command.
func ParseAdmin(text string) (AdminCommand, bool) {
	cmd := strings.TrimSpace(text)
	if alias, ok := adminAliases[cmd]; ok {
		cmd = alias
	}
	if _, ok := adminCommands[cmd]; ok {
		return AdminCommand{Command: cmd}, true
	}
	if name, ok := strings.CutPrefix(cmd, managerRefreshPrefix); ok && name != "" {
		return AdminCommand{Command: cmd}, true
	}
	return AdminCommand{}, false
}

// ManagerRefreshTarget returns the manager named in a manager-refresh-<name>
// command.
func (c AdminCommand) ManagerRefreshTarget() (string, bool) {
	name, ok := strings.CutPrefix(c.Command, managerRefreshPrefix)
	if !ok || name == "" {
		return "", false
	}
	return name, true
}

// IsQuery reports whether the command only reads hub state.
func (c AdminCommand) IsQuery() bool {
	switch c.Command {
	case CmdInfo, CmdRequestInfo, CmdGetJobCounts:
		return true
	}
	return false
}
