package session

import (
	"time"

	"github.com/agenthud/agenthud/internal/transcript"
)

// newSession builds a record for the first accepted event of a session,
// deriving the static fields that never change afterwards.
func newSession(ev *transcript.Event, filePath string, now time.Time) *Session {
	s := &Session{
		ID:       ev.SessionID,
		FilePath: filePath,
		Status:   StatusWorking,
	}
	if ts, ok := ev.Time(); ok {
		s.StartedAt = ts
	} else {
		s.StartedAt = now
	}
	s.LastActivityAt = s.StartedAt

	if ev.Cwd != "" {
		s.Cwd = ev.Cwd
		s.ProjectName = projectNameFromCwd(ev.Cwd)
	}
	s.ProjectHash = projectHashFromPath(filePath)

	if parent, ok := subagentFromPath(filePath); ok {
		s.IsSubagent = true
		s.ParentSessionID = parent
	} else if ev.AgentID != "" {
		s.IsSubagent = true
	}
	return s
}

// reduce folds one accepted event into the session record. It is the only
// place session state transitions happen; the caller has already verified
// that ev carries a sessionId and type.
func (s *Session) reduce(ev *transcript.Event, now time.Time) {
	if ts, ok := ev.Time(); ok {
		s.LastActivityAt = ts
	} else {
		s.LastActivityAt = now
	}
	if ev.GitBranch != "" {
		s.GitBranch = ev.GitBranch
	}
	if s.Cwd == "" && ev.Cwd != "" {
		s.Cwd = ev.Cwd
		s.ProjectName = projectNameFromCwd(ev.Cwd)
	}

	switch ev.Type {
	case "user":
		s.reduceUser(ev.Message)
	case "assistant":
		s.reduceAssistant(ev.Message)
	case "summary":
		s.setStatus(StatusIdle)
	default:
		// progress, file-history-snapshot and anything unrecognized are
		// inert: the session is touched but state is left alone.
	}
}

func (s *Session) reduceUser(msg *transcript.Message) {
	s.setStatus(StatusWorking)
	if msg == nil {
		return
	}
	s.MessageCount++
	if s.Goal == "" {
		if text := firstText(msg.Content); text != "" {
			s.Goal = truncate(text, maxGoalLen)
		}
	}
}

func (s *Session) reduceAssistant(msg *transcript.Message) {
	if msg == nil {
		return
	}
	s.MessageCount++
	if msg.Model != "" {
		s.Model = msg.Model
	}
	s.addUsage(msg.Usage)

	var firstToolUse *transcript.Block
	var lastText string
	for i, b := range msg.Content {
		switch b.Type {
		case transcript.BlockText:
			if b.Text != "" {
				lastText = b.Text
			}
		case transcript.BlockToolUse:
			if firstToolUse == nil {
				firstToolUse = &msg.Content[i]
			}
		case transcript.BlockThinking, transcript.BlockToolResult:
			// Thinking never affects output or status; tool results only
			// appear on user events.
		}
	}
	if lastText != "" {
		s.RecentOutput = truncate(lastText, maxRecentOutputLen)
	}

	// A tool-use block wins over any stop reason on the same event: the
	// session is blocked on approval, not waiting for input.
	switch {
	case firstToolUse != nil:
		s.setStatus(StatusWaitingForApproval)
		s.PendingToolUse = &PendingToolUse{
			ToolName: firstToolUse.Name,
			ToolID:   firstToolUse.ID,
		}
	case terminalStopReason(msg.StopReason):
		s.TurnCount++
		s.setStatus(StatusWaitingForInput)
	default:
		s.setStatus(StatusWorking)
	}
}

// terminalStopReason reports whether the stop reason ends a turn. A
// "tool_use" stop reason accompanies tool-use blocks and does not.
func terminalStopReason(sr string) bool {
	return sr != "" && sr != "tool_use"
}

func (s *Session) addUsage(u *transcript.Usage) {
	if u == nil {
		return
	}
	s.Tokens.Input += u.InputTokens
	s.Tokens.Output += u.OutputTokens
	s.Tokens.CacheCreation += u.CacheCreationInputTokens
	s.Tokens.CacheRead += u.CacheReadInputTokens
	if cc := u.CacheCreation; cc != nil {
		s.Tokens.Ephemeral5m += cc.Ephemeral5mInputTokens
		s.Tokens.Ephemeral1h += cc.Ephemeral1hInputTokens
	}
}

// firstText returns the first non-empty text block, skipping thinking and
// tool blocks.
func firstText(content transcript.Content) string {
	for _, b := range content {
		if b.Type == transcript.BlockText && b.Text != "" {
			return b.Text
		}
	}
	return ""
}
