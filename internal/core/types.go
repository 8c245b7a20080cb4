package core

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Evaluation is the resolved value of one flag for one target.
type Evaluation struct {
	Flag  string `json:"flag"`
	Value Value  `json:"value"`
}

func (e Evaluation) Equal(other Evaluation) bool {
	return e.Flag == other.Flag && e.Value.Equal(other.Value)
}

// HeartbeatEvent is the event name carried by keep-alive messages.
const HeartbeatEvent = "message"

// Message is the payload of a stream event.
type Message struct {
	Event      string `json:"event"`
	Domain     string `json:"domain"`
	Identifier string `json:"identifier"`
	Version    int    `json:"version"`
}

func HeartbeatMessage() Message {
	return Message{Event: HeartbeatEvent}
}

// ParseMessage decodes a stream payload. The payload must be a JSON object;
// absent fields keep their zero value.
func ParseMessage(data []byte) (Message, error) {
	if !bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		return Message{}, fmt.Errorf("%w: message is not a JSON object", ErrParsing)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: decode message: %v", ErrParsing, err)
	}
	return msg, nil
}

// SyncIdentity scopes every remote call and cache key to one environment and
// one target. It only exists after a successful authentication.
type SyncIdentity struct {
	EnvironmentID string
	TargetID      string
}

func (id SyncIdentity) Valid() bool {
	return id.EnvironmentID != "" && id.TargetID != ""
}

// FlagKey is the cache key of a single flag evaluation.
func FlagKey(id SyncIdentity, flag string) string {
	return id.EnvironmentID + "_" + id.TargetID + "_" + flag
}

// CollectionKey is the cache key of the full evaluation list.
func CollectionKey(id SyncIdentity) string {
	return id.EnvironmentID + "_" + id.TargetID + "_features"
}
