// Package flagsync keeps a local, always-readable copy of a target's feature
// flag evaluations in sync with a flag authority.
//
// A [Client] authenticates with an API key, warms its cache from the
// authority and then delivers updates either by polling on a fixed interval or
// by following the authority's server-sent events stream. Reads never block on
// the network: they are served from the cache, which survives outages.
//
//	client, err := flagsync.New(flagsync.Config{
//		BaseURL:       "https://config.example.com/api/1.0",
//		Target:        "web",
//		StreamEnabled: true,
//	})
//	if err != nil { ... }
//	defer client.Close()
//
//	if err := client.Initialize(ctx, apiKey); err != nil { ... }
//	events, err := client.Subscribe(ctx)
//	for ev := range events {
//		...
//	}
package flagsync

import (
	"github.com/matt-riley/flagsync/internal/cache"
	"github.com/matt-riley/flagsync/internal/controller"
	"github.com/matt-riley/flagsync/internal/core"
	"github.com/matt-riley/flagsync/internal/network"
)

type (
	// Event is delivered on the channel returned by [Client.Subscribe].
	Event     = controller.Event
	EventKind = controller.Kind
	Mode      = controller.Mode
	Status    = controller.Status

	Evaluation = core.Evaluation
	Value      = core.Value
	ValueKind  = core.Kind
	Message    = core.Message
	Identity   = core.SyncIdentity

	// Store is the cache backend. Values are opaque bytes.
	Store = cache.Store
	// Monitor reports network reachability.
	Monitor = network.Monitor
)

const (
	EventOpened      = controller.KindOpened
	EventCompleted   = controller.KindCompleted
	EventMessage     = controller.KindMessage
	EventFlagUpdated = controller.KindFlagUpdated
	EventSnapshot    = controller.KindSnapshot

	// AllEvents subscribes to every named stream event.
	AllEvents = controller.AllEvents

	ModeOffline   = controller.ModeOffline
	ModePolling   = controller.ModePolling
	ModeStreaming = controller.ModeStreaming
)

// Error kinds. Match them with errors.Is.
var (
	ErrAuth             = core.ErrAuth
	ErrStorage          = core.ErrStorage
	ErrNoData           = core.ErrNoData
	ErrParsing          = core.ErrParsing
	ErrStream           = core.ErrStream
	ErrNetwork          = core.ErrNetwork
	ErrNotAuthenticated = core.ErrNotAuthenticated
	ErrClosed           = controller.ErrClosed
	ErrSubscribed       = controller.ErrSubscribed
)

// ParseEventKind maps a kind name such as "flag_updated" to its EventKind.
var ParseEventKind = controller.ParseKind

var (
	StringValue      = core.StringValue
	BoolValue        = core.BoolValue
	IntValue         = core.IntValue
	ObjectValue      = core.ObjectValue
	UnsupportedValue = core.UnsupportedValue
)
