package realtime

import "context"

// PresenceMeta is the record tracked for the local user and observed for
// remote peers on the shared channel.
type PresenceMeta struct {
	Username string `json:"username"`
	Shard    string `json:"shard"`
	Version  string `json:"version"`
	Status   string `json:"status"`
	Mode     string `json:"mode"`
}

// Handlers receive transport callbacks. They run on the transport's read
// goroutine; implementations must not block.
type Handlers struct {
	// OnBroadcast fires for every channel broadcast, self-sent included.
	OnBroadcast func(event string, payload map[string]any)

	// OnPresenceSync fires after every presence state/diff with the full
	// current presence set.
	OnPresenceSync func(present map[string]PresenceMeta)

	// OnDisconnect fires when the connection drops for any reason other
	// than Close.
	OnDisconnect func(err error)
}

// Transport is one connection to the realtime service. The production
// implementation speaks phoenix channels over a websocket; tests use a
// fake. A transport is single-use: after Close a new one is created.
type Transport interface {
	// Connect dials the service.
	Connect(ctx context.Context) error

	// Join subscribes the shared channel with presence keyed by username
	// and self-delivery of broadcasts enabled.
	Join(channel, presenceKey string) error

	// Track asserts the local presence record.
	Track(meta PresenceMeta) error

	// Send broadcasts an event payload on the joined channel.
	Send(event string, payload map[string]any) error

	// Presence returns a snapshot of the channel presence state.
	Presence() map[string]PresenceMeta

	// Close unsubscribes and tears the connection down.
	Close() error
}

// TransportFactory creates a fresh transport for each connect attempt.
type TransportFactory func(h Handlers) Transport
