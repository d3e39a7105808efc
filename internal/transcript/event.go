// Package transcript decodes newline-delimited JSON transcript files into
// discrete events and feeds them to a session sink.
package transcript

import (
	"encoding/json"
	"errors"
	"time"
)

// errMissingFields marks a line that decoded as JSON but lacks the fields
// every event must carry. Such lines are dropped without a log entry.
var errMissingFields = errors.New("event missing sessionId or type")

// Event is one decoded transcript line.
type Event struct {
	SessionID string   `json:"sessionId"`
	Type      string   `json:"type"`
	Timestamp string   `json:"timestamp"`
	Cwd       string   `json:"cwd,omitempty"`
	GitBranch string   `json:"gitBranch,omitempty"`
	AgentID   string   `json:"agentId,omitempty"`
	Message   *Message `json:"message,omitempty"`
}

// Time parses the event's embedded timestamp. ok is false when the field is
// absent or not RFC 3339.
func (e *Event) Time() (t time.Time, ok bool) {
	if e.Timestamp == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, e.Timestamp)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Message is the payload carried by user and assistant events.
type Message struct {
	Role       string  `json:"role,omitempty"`
	Model      string  `json:"model,omitempty"`
	Content    Content `json:"content"`
	StopReason string  `json:"stop_reason,omitempty"`
	Usage      *Usage  `json:"usage,omitempty"`
}

// BlockType discriminates the kinds of content block a message may carry.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockThinking   BlockType = "thinking"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// Block is one piece of message content. Type determines which other fields
// are populated.
type Block struct {
	Type      BlockType `json:"type"`
	Text      string    `json:"text,omitempty"`        // text, thinking
	ID        string    `json:"id,omitempty"`          // tool_use
	Name      string    `json:"name,omitempty"`        // tool_use
	ToolUseID string    `json:"tool_use_id,omitempty"` // tool_result
}

// Content is an ordered sequence of blocks. Transcript writers emit either a
// bare string or a block array for message.content; a bare string decodes as
// a single text block.
type Content []Block

func (c *Content) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == "" {
			*c = nil
			return nil
		}
		*c = Content{{Type: BlockText, Text: s}}
		return nil
	}
	var blocks []Block
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*c = Content(blocks)
	return nil
}

// Usage carries the token counters attached to assistant messages.
type Usage struct {
	InputTokens              int64          `json:"input_tokens"`
	OutputTokens             int64          `json:"output_tokens"`
	CacheCreationInputTokens int64          `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64          `json:"cache_read_input_tokens"`
	CacheCreation            *CacheCreation `json:"cache_creation,omitempty"`
}

// CacheCreation breaks cache-creation tokens down by ephemeral TTL bucket.
type CacheCreation struct {
	Ephemeral5mInputTokens int64 `json:"ephemeral_5m_input_tokens"`
	Ephemeral1hInputTokens int64 `json:"ephemeral_1h_input_tokens"`
}

// decodeEvent parses one transcript line. A line that parses as JSON but
// lacks sessionId or type yields errMissingFields.
func decodeEvent(line []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, err
	}
	if ev.SessionID == "" || ev.Type == "" {
		return nil, errMissingFields
	}
	return &ev, nil
}
