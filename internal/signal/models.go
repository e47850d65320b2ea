package signal

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Signal is one persisted step of call negotiation.
//
// Invariants:
// - Signals are insert-only. Nothing updates a row once the store has assigned
//   its ID and CreatedAt.
// - CallerID is the sender of the row, CalleeID the recipient. An answer from
//   Y to X is stored as caller=Y, callee=X.
// - SessionID groups every signal of one logical call. A new offer between the
//   same pair always carries a fresh session id.
type Signal struct {
	ID        string `json:"id" db:"id"`
	SessionID string `json:"session_id" db:"session_id"`

	CallerID string `json:"caller_id" db:"caller_id"`
	CalleeID string `json:"callee_id" db:"callee_id"`

	Type Type `json:"signal_type" db:"signal_type"`

	// Data is opaque to the store: a JSON session description for offer/answer,
	// a JSON ICE candidate for ice-candidate, empty otherwise.
	Data string `json:"signal_data,omitempty" db:"signal_data"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type Type string

const (
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "ice-candidate"
	TypeCallEnd      Type = "call-end"
	TypeCallReject   Type = "call-reject"
)

// Valid reports whether t is one of the known signal types.
func (t Type) Valid() bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeICECandidate, TypeCallEnd, TypeCallReject:
		return true
	default:
		return false
	}
}

// CarriesData reports whether signals of this type need a payload.
func (t Type) CarriesData() bool {
	return t == TypeOffer || t == TypeAnswer || t == TypeICECandidate
}

// Consumes reports whether a signal of this type closes the offer of its
// session for the purposes of LatestOffer.
func (t Type) Consumes() bool {
	return t == TypeAnswer || t == TypeCallEnd || t == TypeCallReject
}

var (
	ErrInvalidSignal = errors.New("signal: invalid signal")
	ErrNotFound      = errors.New("signal: not found")
	ErrPublishFailed = errors.New("signal: publish failed")
	ErrRateLimited   = errors.New("signal: rate limited")
)

// Validate checks the fields a sender controls.
func (s Signal) Validate() error {
	if s.CallerID == "" || s.CalleeID == "" {
		return ErrInvalidSignal
	}
	if s.CallerID == s.CalleeID {
		return ErrInvalidSignal
	}
	if _, err := uuid.Parse(s.SessionID); err != nil {
		return ErrInvalidSignal
	}
	if !s.Type.Valid() {
		return ErrInvalidSignal
	}
	if s.Type.CarriesData() && s.Data == "" {
		return ErrInvalidSignal
	}
	return nil
}
