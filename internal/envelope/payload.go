package envelope

import "github.com/msageha/nightline/internal/model"

// Envelope recipients. Broker to operator traffic is addressed to bob;
// operator to broker traffic must be addressed to alice.
const (
	ToOperator = "bob"
	ToBroker   = "alice"
)

// Envelope is the chunked wire frame exchanged with operator clients.
type Envelope struct {
	Messages []string `json:"messages"`
	UUID     string   `json:"UUID"`
	To       string   `json:"to"`
}

type PayloadType string

const (
	TypeMsg          PayloadType = "msg"
	TypeStatus       PayloadType = "status"
	TypeProbe        PayloadType = "probe"
	TypeProbeACK     PayloadType = "probeACK"
	TypeRing         PayloadType = "ring"
	TypeRingACK      PayloadType = "ringACK"
	TypeRingACKACK   PayloadType = "ringACKACK"
	TypeChatState    PayloadType = "chat_state"
	TypeKey          PayloadType = "key"
	TypeDisassociate PayloadType = "disassociate"
	TypeDisconnect   PayloadType = "disconnect"
)

// Message directions relative to the operator.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// Payload is the decrypted JSON body carried inside an Envelope.
type Payload struct {
	Type     PayloadType           `json:"type"`
	UUID     string                `json:"UUID"`
	Msg      []string              `json:"msg,omitempty"`
	IO       string                `json:"I/O,omitempty"`
	ID       *uint64               `json:"ID,omitempty"`
	Group    *string               `json:"group,omitempty"`
	Time     float64               `json:"time,omitempty"`
	Services []model.ServiceStatus `json:"services,omitempty"`
	State    string                `json:"state,omitempty"`
	Key      string                `json:"key,omitempty"`
}

// RingID returns the payload's ring id and whether one was present.
func (p Payload) RingID() (uint64, bool) {
	if p.ID == nil {
		return 0, false
	}
	return *p.ID, true
}

func WithRingID(id uint64) *uint64 {
	return &id
}

// WithGroup sets the ring group. Clients expect the key on every ring even
// when the group is empty.
func WithGroup(g string) *string {
	return &g
}
