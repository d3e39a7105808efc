// Package session maintains the bounded in-memory model of live agent
// sessions: the per-session record, the event reducer that folds transcript
// events into it, and the store that tracks records, file read offsets and
// pending synchronization state.
package session

import (
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

// Status is the derived activity state of a session.
type Status string

const (
	StatusWorking            Status = "working"
	StatusWaitingForApproval Status = "waiting_for_approval"
	StatusWaitingForInput    Status = "waiting_for_input"
	StatusIdle               Status = "idle"
)

const (
	maxGoalLen         = 200
	maxRecentOutputLen = 500
)

// PendingToolUse identifies the tool call a session is blocked on. It is
// set exactly when Status is StatusWaitingForApproval.
type PendingToolUse struct {
	ToolName string `json:"tool_name"`
	ToolID   string `json:"tool_id"`
}

// TokenUsage holds running sums across all assistant events of a session.
// Counters never decrease.
type TokenUsage struct {
	Input         int64 `json:"input"`
	Output        int64 `json:"output"`
	CacheCreation int64 `json:"cache_creation"`
	CacheRead     int64 `json:"cache_read"`
	Ephemeral5m   int64 `json:"ephemeral_5m"`
	Ephemeral1h   int64 `json:"ephemeral_1h"`
}

// Total returns the sum of the input and output counters.
func (u TokenUsage) Total() int64 {
	return u.Input + u.Output
}

// Session is the mutable summary of one agent session, keyed by the
// sessionId that appears on its transcript events.
type Session struct {
	ID       string `json:"id"`
	FilePath string `json:"file_path"`

	Cwd         string `json:"cwd,omitempty"`
	ProjectName string `json:"project_name,omitempty"`
	ProjectHash string `json:"project_hash,omitempty"`
	GitBranch   string `json:"git_branch,omitempty"`

	Status       Status `json:"status"`
	MessageCount int    `json:"message_count"`
	TurnCount    int    `json:"turn_count"`

	// Goal is set once, from the first user-authored text, and never
	// overwritten afterwards.
	Goal         string `json:"goal,omitempty"`
	RecentOutput string `json:"recent_output,omitempty"`

	PendingToolUse *PendingToolUse `json:"pending_tool_use,omitempty"`
	Tokens         TokenUsage      `json:"tokens"`
	Model          string          `json:"model,omitempty"`

	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`

	IsSubagent      bool   `json:"is_subagent,omitempty"`
	ParentSessionID string `json:"parent_session_id,omitempty"`
}

// Clone returns a deep copy, safe to hand to another goroutine.
func (s *Session) Clone() *Session {
	c := *s
	if s.PendingToolUse != nil {
		p := *s.PendingToolUse
		c.PendingToolUse = &p
	}
	return &c
}

// setStatus transitions the session and keeps the pending-tool-use
// invariant: PendingToolUse is non-nil iff the status is
// waiting_for_approval.
func (s *Session) setStatus(st Status) {
	s.Status = st
	if st != StatusWaitingForApproval {
		s.PendingToolUse = nil
	}
}

// projectNameFromCwd returns the last path segment of the working directory.
func projectNameFromCwd(cwd string) string {
	if cwd == "" {
		return ""
	}
	return filepath.Base(filepath.Clean(cwd))
}

// projectHashFromPath returns the name of the transcript file's parent
// directory, which the producer derives from the project path.
func projectHashFromPath(filePath string) string {
	dir := filepath.Dir(filePath)
	if dir == "." || dir == string(filepath.Separator) {
		return ""
	}
	return filepath.Base(dir)
}

// subagentFromPath detects a subagents/<parentSessionId>/... segment in the
// transcript path and returns the parent session ID.
func subagentFromPath(filePath string) (parentID string, ok bool) {
	segs := strings.Split(filepath.ToSlash(filePath), "/")
	for i, seg := range segs {
		if seg == "subagents" && i+1 < len(segs)-1 {
			return segs[i+1], true
		}
	}
	return "", false
}

// truncate clips s to at most n characters.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
