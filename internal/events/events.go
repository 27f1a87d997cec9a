// Package events defines event types and subjects for the Cyrus event system.
package events

// Subjects for inbound transport events.
const (
	// InboundReceived is published by transports for every accepted envelope.
	// The concrete subject is InboundReceived + "." + transportKind.
	InboundReceived = "inbound.received"
)

// Subjects for session lifecycle.
const (
	SessionCreated   = "session.created"
	SessionActive    = "session.active"
	SessionCompleted = "session.completed"
	SessionFailed    = "session.failed"
	SessionStopped   = "session.stopped"
)

// Subjects for the per-session activity stream. Concrete subjects carry the
// session id as the final token.
const (
	SessionActivity = "session.activity"
	RunnerMessage   = "runner.message"
)

// Subjects for configuration changes.
const (
	ConfigReloaded = "config.reloaded"
	ConfigRollback = "config.rollback"
	ConfigError    = "config.error"
)

// BuildInboundSubject creates an inbound event subject for a transport kind.
func BuildInboundSubject(transportKind string) string {
	return InboundReceived + "." + transportKind
}

// BuildInboundWildcardSubject subscribes to inbound events from all transports.
func BuildInboundWildcardSubject() string {
	return InboundReceived + ".*"
}

// BuildSessionActivitySubject creates an activity subject for a session.
func BuildSessionActivitySubject(sessionID string) string {
	return SessionActivity + "." + sessionID
}

// BuildSessionActivityWildcardSubject subscribes to activities of all sessions.
func BuildSessionActivityWildcardSubject() string {
	return SessionActivity + ".*"
}

// BuildRunnerMessageSubject creates a runner message subject for a session.
func BuildRunnerMessageSubject(sessionID string) string {
	return RunnerMessage + "." + sessionID
}
