package model

import "time"

// Address identifies an end user on one backend.
type Address struct {
	Backend string `json:"backend"`
	ID      string `json:"id"`
}

func (a Address) String() string {
	return a.Backend + ":" + a.ID
}

// Association binds an operator to an end-user address.
type Association struct {
	Operator  string    `json:"operator"`
	Address   Address   `json:"address"`
	CreatedAt time.Time `json:"created_at"`
}

// ServiceStatusConnected is the label reported for a backend whose session started.
const ServiceStatusConnected = "Connected"

const ServiceStatusDisconnected = "disconnected"

type ServiceStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// NormalizeServiceStatus maps adapter status words onto report labels.
func NormalizeServiceStatus(s string) string {
	if s == "session_start" {
		return ServiceStatusConnected
	}
	return s
}

type RingSnapshot struct {
	ID        uint64    `json:"id"`
	Address   Address   `json:"address"`
	Texts     int       `json:"texts"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type OperatorSnapshot struct {
	ID           string        `json:"id"`
	State        OperatorState `json:"state"`
	HasKey       bool          `json:"has_key"`
	Associations int           `json:"associations"`
	Buffered     int           `json:"buffered"`
}

// Snapshot is a read-only copy of the router's state taken under its lock.
type Snapshot struct {
	TakenAt      time.Time          `json:"taken_at"`
	Services     []ServiceStatus    `json:"services"`
	Operators    []OperatorSnapshot `json:"operators"`
	Associations []Association      `json:"associations"`
	Rings        []RingSnapshot     `json:"rings"`
}

// Connected returns the ids of every operator known to the broker.
func (s Snapshot) Connected() []string {
	ids := make([]string, 0, len(s.Operators))
	for _, o := range s.Operators {
		ids = append(ids, o.ID)
	}
	return ids
}

// Active returns the ids of operators in the Active state.
func (s Snapshot) Active() []string {
	var ids []string
	for _, o := range s.Operators {
		if o.State == OperatorActive {
			ids = append(ids, o.ID)
		}
	}
	return ids
}
