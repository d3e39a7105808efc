package transcript

import (
	"bytes"
	"errors"
	"log/slog"
)

// Sink receives decoded events. *session.Store satisfies it.
type Sink interface {
	Apply(filePath string, ev *Event)
}

// Consume splits data into newline-terminated lines, decodes each as one
// event, and feeds valid events to sink. It returns the number of input
// bytes fully consumed, measured so that baseOffset+consumed is the file
// offset the caller should persist.
//
// A final line with no trailing newline is never consumed, whatever its
// content: it may be a write still in progress, and will be re-read fuller
// on the next pass. Terminated lines are always consumed — malformed JSON is
// logged and skipped, and objects missing sessionId or type are dropped
// silently — so one corrupt line never blocks the rest of the file.
func Consume(sink Sink, filePath string, data []byte, baseOffset int64, logger *slog.Logger) int64 {
	if logger == nil {
		logger = slog.Default()
	}
	var consumed int64
	for len(data) > 0 {
		nl := bytes.IndexByte(data, '\n')
		if nl < 0 {
			break
		}
		line := data[:nl]
		data = data[nl+1:]
		lineBytes := int64(nl) + 1 // includes the terminator

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			consumed += lineBytes
			continue
		}

		ev, err := decodeEvent(trimmed)
		switch {
		case errors.Is(err, errMissingFields):
			// Valid JSON, not an event we track.
		case err != nil:
			logger.Warn("skipping malformed transcript line",
				"path", filePath,
				"offset", baseOffset+consumed,
				"error", err)
		default:
			sink.Apply(filePath, ev)
		}
		consumed += lineBytes
	}
	return consumed
}
