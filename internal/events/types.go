// Package events defines the event types and bus subjects used by the
// opsrelay request pipeline.
package events

// CloudEvents type identifiers carried in the event envelope.
const (
	TypeRequestCreated    = "com.opsrelay.request.created"
	TypeRequestProcessing = "com.opsrelay.request.processing"
	TypeResponseReady     = "com.opsrelay.response.ready"
	TypeDatabaseUpdate    = "com.opsrelay.request.database-update"
)

// Bus subjects. Request traffic is queue-subscribed so each event is
// claimed by exactly one worker or dispatcher instance.
const (
	SubjectRequestCreated    = "request.created"
	SubjectRequestProcessing = "request.processing"
	SubjectResponseReady     = "response.ready"
	SubjectDatabaseUpdate    = "request.database-update"
)

// Queue group names for load-balanced consumption.
const (
	QueueWorkers     = "workers"
	QueueDispatchers = "dispatchers"
)

// Source identifiers stamped on published events.
const (
	SourceRouter     = "opsrelay-router"
	SourceWorker     = "opsrelay-worker"
	SourceDispatcher = "opsrelay-dispatcher"
)
