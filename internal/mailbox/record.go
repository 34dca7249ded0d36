package mailbox

import (
	"path"
	"strings"
	"time"

	"pkt.systems/attractor/address"
	"pkt.systems/attractor/metadata"
)

// State is the lifecycle state of a mailbox record.
type State string

const (
	// StatePending records are eligible for claiming once visible.
	StatePending State = "pending"
	// StateClaimed records are held by a claimant until VisibleAt.
	StateClaimed State = "claimed"
	// StateConsumed marks a record that was consumed but whose removal has
	// not completed yet. It is never delivered again.
	StateConsumed State = "consumed"
	// StateDead marks a record parked under the dead-letter prefix.
	StateDead State = "dead"
)

// Record is the persisted form of one message.
type Record struct {
	ID                string       `json:"id"`
	Address           string       `json:"address"`
	Payload           []byte       `json:"payload,omitempty"`
	PayloadDescriptor []byte       `json:"payload_descriptor,omitempty"`
	Metadata          metadata.Bag `json:"metadata,omitempty"`
	State             State        `json:"state"`
	ClaimToken        string       `json:"claim_token,omitempty"`
	VisibleAt         time.Time    `json:"visible_at"`
	Attempts          int          `json:"attempts"`
	EnqueuedAt        time.Time    `json:"enqueued_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
	LastError         string       `json:"last_error,omitempty"`
}

// Claimable reports whether the record may be claimed at now.
func (r *Record) Claimable(now time.Time) bool {
	switch r.State {
	case StatePending, StateClaimed:
		return !r.VisibleAt.After(now)
	default:
		return false
	}
}

// Addr decodes the record's address.
func (r *Record) Addr() (address.Address, error) {
	return address.Decode(r.Address)
}

func mailboxPrefix(collection string, addr address.Address) string {
	return path.Join(collection, addr.Encode()) + "/"
}

func messagePrefix(collection string, addr address.Address) string {
	return mailboxPrefix(collection, addr) + "msg/"
}

func messageKey(collection string, addr address.Address, id string) string {
	return messagePrefix(collection, addr) + id
}

func deadLetterPrefix(collection string, addr address.Address) string {
	return mailboxPrefix(collection, addr) + "dead/"
}

func deadLetterKey(collection string, addr address.Address, id string) string {
	return deadLetterPrefix(collection, addr) + id
}

// sealContext binds sealed payloads to their message rather than to a
// storage key so that dead-lettered records stay readable.
func sealContext(collection string, addr address.Address, id string) string {
	return "attractor/" + collection + "/" + addr.Encode() + "/" + id
}

func idFromKey(key string) string {
	if idx := strings.LastIndexByte(key, '/'); idx >= 0 {
		return key[idx+1:]
	}
	return key
}
