// Package event carries daemon events from sessions and the command queue to
// any number of observers.
package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark-sch/GpsdTracking/device"
)

// Kind tags an event.
type Kind int

const (
	KindQueue Kind = iota + 1
	KindAccept
	KindNotice
)

func (k Kind) String() string {
	switch k {
	case KindQueue:
		return "queue"
	case KindAccept:
		return "accept"
	case KindNotice:
		return "notice"
	}
	return "unknown"
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText decodes a kind name; unknown names are an error.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed := ParseKind(string(text))
	if parsed == 0 {
		return fmt.Errorf("unknown event kind %q", text)
	}
	*k = parsed
	return nil
}

// ParseKind is the inverse of Kind.String. It returns 0 for unknown names.
func ParseKind(s string) Kind {
	switch s {
	case "queue":
		return KindQueue
	case "accept":
		return KindAccept
	case "notice":
		return KindNotice
	}
	return 0
}

// Event is one published occurrence. Which fields are set depends on Kind:
// queue events fill the command fields, accept events the position and
// notice events Status and Details.
type Event struct {
	UID      string    `json:"uid"`
	Kind     Kind      `json:"kind"`
	Time     time.Time `json:"time"`
	Service  string    `json:"service,omitempty"`
	DeviceID string    `json:"device,omitempty"`
	Name     string    `json:"name,omitempty"`
	Status   string    `json:"status,omitempty"`

	RequestID uint64   `json:"request_id,omitempty"`
	ParentID  uint64   `json:"parent_id,omitempty"`
	Command   string   `json:"command,omitempty"`
	Args      []string `json:"args,omitempty"`
	Retry     int      `json:"retry,omitempty"`

	Position *device.Position `json:"position,omitempty"`
	Cmd      string           `json:"cmd,omitempty"`
	Alarm    string           `json:"alarm,omitempty"`
	Details  string           `json:"details,omitempty"`
}

// JSON encodes the event. Encoding an Event cannot fail.
func (e Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}
