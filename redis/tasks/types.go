package tasks

// Task types
const (
	TypeTokenRefresh   = "integration:token_refresh"
	TypeHealthCheck    = "health:check"
	TypeConnectionTest = "connection:test"
)

// TaskPriority defines priority levels for tasks
const (
	PriorityLow      = "low"
	PriorityDefault  = "default"
	PriorityCritical = "critical"
)

// TokenRefreshPayload represents the payload for a token refresh sweep.
// Window is how far ahead of expiry a token is considered due, in minutes.
type TokenRefreshPayload struct {
	Window int `json:"window_minutes,omitempty"`
}
