package controller

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/matt-riley/flagsync/internal/core"
	"github.com/matt-riley/flagsync/internal/stream"
)

// Kind tags a sync event.
type Kind int

const (
	KindOpened Kind = iota + 1
	KindCompleted
	KindMessage
	KindFlagUpdated
	KindSnapshot
)

// AllEvents subscribes to every named stream event.
const AllEvents = stream.AnyEvent

var kindNames = map[Kind]string{
	KindOpened:      "opened",
	KindCompleted:   "completed",
	KindMessage:     "message",
	KindFlagUpdated: "flag_updated",
	KindSnapshot:    "snapshot",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind maps a kind name such as "flag_updated" to its Kind.
func ParseKind(name string) (Kind, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown event %q", name)
}

// Event is one notification published to the subscriber. Which payload field
// is set depends on Kind; any of them may be nil when Err explains why.
type Event struct {
	Kind        Kind
	Message     *core.Message
	Evaluation  *core.Evaluation
	Evaluations []core.Evaluation
	Err         error
}

// Same reports whether e and other are the same kind of event. Payloads are
// not compared.
func (e Event) Same(other Event) bool {
	return e.Kind == other.Kind
}

func (e Event) String() string {
	if e.Err != nil {
		return e.Kind.String() + ": " + e.Err.Error()
	}
	return e.Kind.String()
}

// eventSet holds the stream event names a subscriber listens to.
type eventSet map[string]bool

// newEventSet validates names. None selects AllEvents.
func newEventSet(names []string) (eventSet, error) {
	if len(names) == 0 {
		return eventSet{AllEvents: true}, nil
	}
	set := make(eventSet, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, errors.New("event name is empty")
		}
		set[name] = true
	}
	return set, nil
}

func (s eventSet) listens(event string) bool {
	return s[AllEvents] || s[event]
}

func (s eventSet) names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
