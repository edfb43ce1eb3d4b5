package telemetry

var (
	// SendBuckets for a single destination send (dial + write)
	SendBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

	// PollBuckets for directory polls
	PollBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
)

// Membership Metrics
var (
	// MembersGauge tracks the current number of members by provider
	MembersGauge GaugeVec = noopGaugeVec{}

	// MembershipEventsTotal counts events by provider and kind (added, alive, removed)
	MembershipEventsTotal CounterVec = noopCounterVec{}

	// HeartbeatsTotal counts multicast heartbeats by direction (sent, received, ignored)
	HeartbeatsTotal CounterVec = noopCounterVec{}

	// HeartbeatFailuresTotal counts multicast socket failures by operation (send, receive, open)
	HeartbeatFailuresTotal CounterVec = noopCounterVec{}

	// DirectoryPollsTotal counts directory polls by result (success, failed)
	DirectoryPollsTotal CounterVec = noopCounterVec{}

	// DirectoryPollSeconds measures directory poll latency
	DirectoryPollSeconds Histogram = NoopStat{}

	// ListenerPanicsTotal counts recovered listener panics
	ListenerPanicsTotal Counter = NoopStat{}

	// ViewChangesTotal counts changes of the coordinator view
	ViewChangesTotal Counter = NoopStat{}
)

// Messaging Metrics
var (
	// MessagesTotal counts messages by direction (sent, received) and kind (bytes, object)
	MessagesTotal CounterVec = noopCounterVec{}

	// MessageBytesTotal counts payload bytes by direction
	MessageBytesTotal CounterVec = noopCounterVec{}

	// SendFailuresTotal counts per-destination send failures
	SendFailuresTotal Counter = NoopStat{}

	// SendDurationSeconds measures per-destination send latency
	SendDurationSeconds Histogram = NoopStat{}

	// FrameErrorsTotal counts inbound frames that failed to decode by type (corrupt, decode, decompress, decrypt, plaintext)
	FrameErrorsTotal CounterVec = noopCounterVec{}

	// DuplicatesDroppedTotal counts inbound messages dropped as duplicates
	DuplicatesDroppedTotal Counter = NoopStat{}

	// CompressedMessagesTotal counts compressed messages by direction
	CompressedMessagesTotal CounterVec = noopCounterVec{}

	// OpenConnections tracks open stream connections by direction (inbound, outbound)
	OpenConnections GaugeVec = noopGaugeVec{}
)

func initMetrics() {
	MembersGauge = NewGaugeVec(
		"members",
		"Current number of members",
		[]string{"provider"},
	)
	MembershipEventsTotal = NewCounterVec(
		"membership_events_total",
		"Membership events by provider and kind",
		[]string{"provider", "kind"},
	)
	HeartbeatsTotal = NewCounterVec(
		"heartbeats_total",
		"Multicast heartbeats by direction",
		[]string{"direction"},
	)
	HeartbeatFailuresTotal = NewCounterVec(
		"heartbeat_failures_total",
		"Multicast socket failures by operation",
		[]string{"op"},
	)
	DirectoryPollsTotal = NewCounterVec(
		"directory_polls_total",
		"Directory polls by result",
		[]string{"result"},
	)
	DirectoryPollSeconds = NewHistogramWithBuckets(
		"directory_poll_seconds",
		"Directory poll duration in seconds",
		PollBuckets,
	)
	ListenerPanicsTotal = NewCounter(
		"listener_panics_total",
		"Recovered panics in listener callbacks",
	)

	MessagesTotal = NewCounterVec(
		"messages_total",
		"Messages by direction and kind",
		[]string{"direction", "kind"},
	)
	MessageBytesTotal = NewCounterVec(
		"message_bytes_total",
		"Message payload bytes by direction",
		[]string{"direction"},
	)
	SendFailuresTotal = NewCounter(
		"send_failures_total",
		"Per-destination send failures",
	)
	SendDurationSeconds = NewHistogramWithBuckets(
		"send_duration_seconds",
		"Per-destination send duration in seconds",
		SendBuckets,
	)
	FrameErrorsTotal = NewCounterVec(
		"frame_errors_total",
		"Inbound frames that failed to decode",
		[]string{"type"},
	)
	ViewChangesTotal = NewCounter(
		"view_changes_total",
		"Changes of the coordinator view",
	)
	DuplicatesDroppedTotal = NewCounter(
		"duplicates_dropped_total",
		"Inbound messages dropped as duplicates",
	)
	CompressedMessagesTotal = NewCounterVec(
		"compressed_messages_total",
		"Compressed messages by direction",
		[]string{"direction"},
	)
	OpenConnections = NewGaugeVec(
		"open_connections",
		"Open stream connections by direction",
		[]string{"direction"},
	)
}
