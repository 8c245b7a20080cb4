package stream

import (
	"bufio"
	"context"
	"strings"
)

// frame is one dispatched server-sent event. Comment lines produce heartbeat
// frames with no data.
type frame struct {
	ID        string
	Event     string
	Data      []byte
	Heartbeat bool
}

// readEvents reads SSE lines from r and hands every complete event to emit.
// It implements the subset of the SSE format the authority uses: id, event
// and data fields, comment lines, blank-line dispatch and multi-line data.
// An event that is not terminated by a blank line before EOF is discarded.
// The last seen id carries over to later events.
func readEvents(ctx context.Context, r *bufio.Reader, emit func(frame)) error {
	var (
		eventType string
		dataLines []string
		lastID    string
	)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if err == nil && len(dataLines) > 0 {
				emit(frame{
					ID:    lastID,
					Event: eventType,
					Data:  []byte(strings.Join(dataLines, "\n")),
				})
			}
			eventType = ""
			dataLines = nil
		case strings.HasPrefix(line, ":"):
			emit(frame{ID: lastID, Heartbeat: true})
		case strings.HasPrefix(line, "id:"):
			lastID = fieldValue(line, "id:")
		case strings.HasPrefix(line, "event:"):
			eventType = fieldValue(line, "event:")
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, fieldValue(line, "data:"))
		}

		if err != nil {
			return err
		}
	}
}

func fieldValue(line, prefix string) string {
	return strings.TrimPrefix(line[len(prefix):], " ")
}
