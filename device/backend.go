package device

import "context"

// Action names a backend operation.
type Action string

const (
	ActionAuth      Action = "AUTH_IMEI"
	ActionUpdatePos Action = "UPDATE_POS"
	ActionLogout    Action = "LOGOUT"
)

// Reply is the backend answer to UpdateDev.
type Reply struct {
	Accepted bool
	Name     string // display name returned on AUTH_IMEI
}

// Backend persists device activity. UpdateDev is called with AUTH_IMEI before a
// session is logged in; UPDATE_POS and LOGOUT follow for that session only.
type Backend interface {
	UpdateDev(ctx context.Context, s *Session, action Action, rec Record) (Reply, error)

	// LookupDev returns up to count recent positions of a device, newest first.
	LookupDev(ctx context.Context, id string, count int) ([]Position, error)

	Close() error
}

// Commander sends a command through the adapter owning a session.
// It returns 0 when accepted, -1 when refused or unsupported.
type Commander interface {
	SendCommand(s *Session, action string, args []string) int
}
