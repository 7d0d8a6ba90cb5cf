package vault

import "time"

// EventKind names a state transition for the audit trail.
type EventKind string

const (
	EventOwnerRegistered        EventKind = "owner_registered"
	EventOrganizationRegistered EventKind = "organization_registered"
	EventRecordUploaded         EventKind = "record_uploaded"
	EventAccessGranted          EventKind = "access_granted"
	EventAccessRevoked          EventKind = "access_revoked"
	EventRecordDeactivated      EventKind = "record_deactivated"
	EventRecordRetrieved        EventKind = "record_retrieved"
	EventProfileUpdated         EventKind = "profile_updated"
)

// Event is the structured notification emitted after every successful
// state change. Zero-valued fields are omitted on the wire.
type Event struct {
	Kind             EventKind  `json:"kind"`
	Owner            string     `json:"owner"`
	RecordID         uint64     `json:"record_id,omitempty"`
	RecordAddress    string     `json:"record_address,omitempty"`
	Organization     string     `json:"organization,omitempty"`
	OrganizationName string     `json:"organization_name,omitempty"`
	Requester        string     `json:"requester,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	Timestamp        time.Time  `json:"timestamp"`
}

// Sink receives events fire-and-forget: delivery is never awaited and
// a failing sink must not block or fail the operation that emitted
// the event.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

func (f SinkFunc) Publish(e Event) { f(e) }
