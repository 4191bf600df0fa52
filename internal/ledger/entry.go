package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/govledger/internal/ir"
)

// EventType names what an entry records.
type EventType string

const (
	EventGenesis             EventType = "GENESIS"
	EventWorkOrderApproved   EventType = "WO_APPROVED"
	EventWorkOrderReceived   EventType = "WO_RECEIVED"
	EventGatePassed          EventType = "GATE_PASSED"
	EventGateFailed          EventType = "GATE_FAILED"
	EventWorkOrderCompleted  EventType = "WO_COMPLETED"
	EventWorkOrderNoOp       EventType = "WO_NO_OP"
	EventAttestationRecorded EventType = "ATTESTATION_RECORDED"
	EventAcceptanceResult    EventType = "ACCEPTANCE_RESULT"
	EventCursorReset         EventType = "CURSOR_RESET"
	EventRollup              EventType = "ROLLUP"
)

// Entry is one line of a ledger.
type Entry struct {
	ID           string    `json:"id"`
	EventType    EventType `json:"event_type"`
	SubmissionID string    `json:"submission_id"`
	Decision     string    `json:"decision"`
	Reason       string    `json:"reason"`
	Metadata     Metadata  `json:"metadata"`
	Timestamp    string    `json:"timestamp"`
	PreviousHash string    `json:"previous_hash"`
	EntryHash    string    `json:"entry_hash"`
}

// Provenance identifies who produced an entry and in which unit of work.
type Provenance struct {
	Actor       string `json:"actor,omitempty"`
	WorkOrderID string `json:"work_order_id,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	Tier        string `json:"tier,omitempty"`
}

// Relational links an entry to an entry in another ledger.
// ParentLedger is a ledger reference such as "ho3:governance".
type Relational struct {
	ParentLedger  string `json:"parent_ledger,omitempty"`
	ParentEventID string `json:"parent_event_id,omitempty"`
	ParentHash    string `json:"parent_hash,omitempty"`
	RootEventID   string `json:"root_event_id,omitempty"`
}

// IsZero reports whether no cross-ledger reference is recorded.
func (r Relational) IsZero() bool {
	return r == Relational{}
}

// Metadata is the entry's open key-value payload. Provenance and Relational
// are serialized under the "provenance" and "relational" keys; every other
// key lives in Extra.
type Metadata struct {
	Provenance Provenance
	Relational Relational
	Extra      ir.Object
}

const (
	keyProvenance = "provenance"
	keyRelational = "relational"
)

// Str returns a string extension field, or "" when absent.
func (m Metadata) Str(key string) string {
	s, _ := m.Extra.Str(key)
	return s
}

// With returns a copy of m with an extension field set.
func (m Metadata) With(key string, v ir.Value) Metadata {
	extra := m.Extra.Clone()
	if extra == nil {
		extra = ir.Object{}
	}
	extra[key] = v
	m.Extra = extra
	return m
}

// Object returns the metadata as a single JSON object.
func (m Metadata) Object() (ir.Object, error) {
	out := m.Extra.Clone()
	if out == nil {
		out = ir.Object{}
	}
	prov, err := structObject(m.Provenance)
	if err != nil {
		return nil, fmt.Errorf("provenance: %w", err)
	}
	rel, err := structObject(m.Relational)
	if err != nil {
		return nil, fmt.Errorf("relational: %w", err)
	}
	out[keyProvenance] = prov
	out[keyRelational] = rel
	return out, nil
}

// MarshalJSON implements json.Marshaler.
func (m Metadata) MarshalJSON() ([]byte, error) {
	obj, err := m.Object()
	if err != nil {
		return nil, err
	}
	return ir.Canonical(obj)
}

// UnmarshalJSON implements json.Unmarshaler. A provenance or relational key
// that does not hold an object is kept as an extension field.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*m = Metadata{}
		return nil
	}
	obj, err := ir.DecodeObject(data)
	if err != nil {
		return fmt.Errorf("metadata: %w", err)
	}

	var out Metadata
	if p, ok := obj.Obj(keyProvenance); ok {
		if err := objectStruct(p, &out.Provenance); err != nil {
			return fmt.Errorf("metadata provenance: %w", err)
		}
		delete(obj, keyProvenance)
	}
	if r, ok := obj.Obj(keyRelational); ok {
		if err := objectStruct(r, &out.Relational); err != nil {
			return fmt.Errorf("metadata relational: %w", err)
		}
		delete(obj, keyRelational)
	}
	if len(obj) > 0 {
		out.Extra = obj
	}
	*m = out
	return nil
}

func structObject(v any) (ir.Object, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return ir.DecodeObject(data)
}

func objectStruct(obj ir.Object, v any) error {
	data, err := ir.Canonical(obj)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// Object returns the entry as a JSON object, entry_hash included.
func (e Entry) Object() (ir.Object, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal entry: %w", err)
	}
	return ir.DecodeObject(data)
}

// ComputeHash returns the hash the entry should carry as entry_hash.
func (e Entry) ComputeHash() (string, error) {
	obj, err := e.Object()
	if err != nil {
		return "", err
	}
	return hashObject(obj)
}

// HashLine recomputes the entry hash of one serialized ledger line.
// The line need not be canonical; key order and whitespace are ignored.
func HashLine(line []byte) (string, error) {
	obj, err := ir.DecodeObject(line)
	if err != nil {
		return "", err
	}
	return hashObject(obj)
}

func hashObject(obj ir.Object) (string, error) {
	body := obj.Clone()
	delete(body, "entry_hash")
	return ir.HashCanonical(body)
}

// seal sets EntryHash and returns the canonical line for e (no newline).
func seal(e *Entry) ([]byte, error) {
	obj, err := e.Object()
	if err != nil {
		return nil, err
	}
	h, err := hashObject(obj)
	if err != nil {
		return nil, err
	}
	e.EntryHash = h
	obj["entry_hash"] = ir.String(h)
	return ir.Canonical(obj)
}

// ParseEntry decodes one ledger line.
func ParseEntry(line []byte) (Entry, error) {
	if _, err := ir.Decode(line); err != nil {
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal(line, &e); err != nil {
		return Entry{}, err
	}
	return e, nil
}
