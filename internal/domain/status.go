package domain

// Status is the lifecycle state of a session.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusConnecting   Status = "connecting"
	StatusJoining      Status = "joining"
	StatusActive       Status = "active"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
	StatusClosed       Status = "closed"
)

// Terminal reports whether a session in this status can never leave it.
func (s Status) Terminal() bool {
	return s == StatusError || s == StatusClosed
}
