// Package envelope defines the message structure carried across a module
// channel between the broker and a loaded module.
//
// Unlike the inter-agent envelope this type is descended from, a module
// envelope carries a route *stack* rather than a route history: the host
// pushes and pops entries as a message crosses the broker/module boundary
// so a module never has to know how deep in the call graph it sits, and a
// RESPONSE always finds its way back through exactly the hops its REQUEST
// took on the way in. See internal/module/routing.go for the rewrite rules.
package envelope

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind classifies how an Envelope's route stack must be rewritten when it
// crosses the module/broker boundary.
type Kind int

const (
	// Request flows broker->module or module->broker and pushes a hop.
	Request Kind = iota
	// Response answers a prior Request and pops a hop.
	Response
	// Event is a one-way subscription delivery; like Request it gets a hop
	// pushed on receive (so the broker knows who sent it), but never a
	// hop popped since there is no reply to route back.
	Event
	// Control carries host-internal signaling (module status reports,
	// shutdown requests) and passes through without route rewriting.
	Control
)

func (k Kind) String() string {
	switch k {
	case Request:
		return "request"
	case Response:
		return "response"
	case Event:
		return "event"
	case Control:
		return "control"
	default:
		return "unknown"
	}
}

// RoleMask is a bitset of privilege flags carried on a Credential.
type RoleMask uint8

const (
	// RoleOwner marks the sender as the instance owner, trusted to assert
	// a userid on behalf of other users. Required of connector-style
	// modules that proxy requests for multiple end users.
	RoleOwner RoleMask = 1 << iota
	// RoleLocal marks the sender as originating on the local node rather
	// than having arrived over a remote transport.
	RoleLocal
)

// Has reports whether mask includes bit.
func (m RoleMask) Has(bit RoleMask) bool { return m&bit != 0 }

// Credential is the (userid, rolemask) pair every Envelope carries. The
// host only checks UserID for emptiness (to substitute the channel's own);
// otherwise it is opaque data a module's handler is free to authorize
// against.
type Credential struct {
	UserID   string   `json:"userid"`
	RoleMask RoleMask `json:"rolemask"`
}

// Envelope is the frame exchanged over a module channel.
type Envelope struct {
	ID            string `json:"id"`                       // unique per envelope; correlates sync RPCs
	CorrelationID string `json:"correlation_id,omitempty"` // names the Request a Response answers

	Kind  Kind     `json:"kind"`
	Route []string `json:"route,omitempty"` // route stack; see routing.go for push/pop rules
	Topic string   `json:"topic,omitempty"` // event topic, or RPC name for Request/Response

	Cred Credential `json:"cred"`

	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	TTL       int64           `json:"ttl,omitempty"` // seconds; 0 = no expiry
}

// New creates an Envelope with a fresh ID and current timestamp.
func New(kind Kind, topic string, payload interface{}) (*Envelope, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:        uuid.New().String(),
		Kind:      kind,
		Topic:     topic,
		Payload:   payloadBytes,
		Timestamp: time.Now(),
	}, nil
}

// Reply builds a Response envelope correlated to e, carrying e's route
// stack forward so the caller can pop it on send.
func (e *Envelope) Reply(payload interface{}) (*Envelope, error) {
	r, err := New(Response, e.Topic, payload)
	if err != nil {
		return nil, err
	}
	r.CorrelationID = e.ID
	r.Route = append([]string(nil), e.Route...)
	r.Cred = e.Cred
	return r, nil
}

// PushRoute appends hop to the route stack, used by the host when a
// Request crosses the broker->module boundary.
func (e *Envelope) PushRoute(hop string) {
	e.Route = append(e.Route, hop)
}

// PopRoute removes and returns the top of the route stack. ok is false if
// the stack was already empty, the caller's signal to raise
// ErrRouteUnderflow rather than panic.
func (e *Envelope) PopRoute() (hop string, ok bool) {
	if len(e.Route) == 0 {
		return "", false
	}
	n := len(e.Route) - 1
	hop = e.Route[n]
	e.Route = e.Route[:n]
	return hop, true
}

// TopRoute returns the last entry of the route stack, or "" if empty.
func (e *Envelope) TopRoute() string {
	if len(e.Route) == 0 {
		return ""
	}
	return e.Route[len(e.Route)-1]
}

// UnmarshalPayload unmarshals the payload into v.
func (e *Envelope) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// IsExpired reports whether the message has exceeded its TTL.
func (e *Envelope) IsExpired() bool {
	if e.TTL <= 0 {
		return false
	}
	return time.Now().Unix() > e.Timestamp.Unix()+e.TTL
}

// Clone deep-copies an Envelope. The host clones before rewriting a route
// stack in place so the caller's original message is never mutated out
// from under it.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	if e.Route != nil {
		clone.Route = make([]string, len(e.Route))
		copy(clone.Route, e.Route)
	}
	if e.Payload != nil {
		clone.Payload = make(json.RawMessage, len(e.Payload))
		copy(clone.Payload, e.Payload)
	}
	return &clone
}

// ToJSON serializes the envelope, for modules that choose to log or
// persist a copy outside the channel.
func (e *Envelope) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON deserializes an envelope previously produced by ToJSON.
func FromJSON(data []byte) (*Envelope, error) {
	var e Envelope
	err := json.Unmarshal(data, &e)
	return &e, err
}

// Validate checks that an envelope carries the fields every Kind requires.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return &ValidationError{Field: "id", Message: "envelope ID is required"}
	}
	switch e.Kind {
	case Request, Response:
		if len(e.Route) == 0 {
			return &ValidationError{Field: "route", Message: "request/response requires a non-empty route stack"}
		}
	case Event:
		if e.Topic == "" {
			return &ValidationError{Field: "topic", Message: "event requires a topic"}
		}
	}
	return nil
}

// ValidationError reports a single malformed Envelope field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}
