// Package call drives the lifecycle of one peer-to-peer video call for a
// single local participant.
//
// The Machine is the only writer of call state. User interfaces observe it
// through Snapshot/OnChange and issue commands through its methods; peer
// connections and media are reached only through the interfaces below.
package call

import (
	"context"
	"errors"

	"callsig/internal/signal"
)

type State string

const (
	StateIdle      State = "idle"
	StateCalling   State = "calling"
	StateRinging   State = "ringing"
	StateConnected State = "connected"
	// StateEnded is only ever observed in change notifications; the machine
	// moves on to idle in the same step.
	StateEnded State = "ended"
)

var (
	ErrMediaAccessDenied      = errors.New("call: camera or microphone unavailable")
	ErrOfferNotFound          = errors.New("call: offer not found")
	ErrSignalPublishFailed    = errors.New("call: signal publish failed")
	ErrConnectionFailed       = errors.New("call: connection failed")
	ErrConnectionDisconnected = errors.New("call: connection disconnected")
	ErrInvalidTransition      = errors.New("call: invalid transition")
	ErrTimeout                = errors.New("call: no answer")
	ErrBusy                   = errors.New("call: another call is active")
	ErrCancelled              = errors.New("call: cancelled")
	ErrInvalidPeer            = errors.New("call: invalid peer")
)

// Channel carries signals between participants.
type Channel interface {
	Publish(ctx context.Context, s signal.Signal) error
	Subscribe(ctx context.Context, calleeID string) (<-chan signal.Signal, func(), error)
	LatestOffer(ctx context.Context, callerID, calleeID string) (signal.Signal, error)
}

// Directory resolves a caller's display name for the incoming-call prompt.
type Directory interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

type Track interface {
	Kind() TrackKind
	Enabled() bool
	SetEnabled(enabled bool)
	Stop()
}

// Stream is a set of tracks released together.
type Stream interface {
	ID() string
	Tracks() []Track
	// Stop ends every track. It must be safe to call more than once.
	Stop()
}

// Media acquires the local camera and microphone.
type Media interface {
	// GetUserMedia returns a stream or an error wrapping ErrMediaAccessDenied.
	GetUserMedia(ctx context.Context) (Stream, error)
}

// PeerEvents are raised by a Peer for the lifetime of one call.
type PeerEvents struct {
	// Candidate carries one serialized local ICE candidate.
	Candidate func(candidate string)
	// RemoteStream fires once, for the first remote media stream.
	RemoteStream func(s Stream)
	// Lost fires at most once, with ErrConnectionFailed or
	// ErrConnectionDisconnected.
	Lost func(err error)
}

// Peer is one negotiated connection to the remote participant.
type Peer interface {
	// CreateOffer returns the serialized local offer after applying it.
	CreateOffer(ctx context.Context) (string, error)
	// AcceptOffer applies a remote offer and returns the serialized answer.
	AcceptOffer(ctx context.Context, offer string) (string, error)
	ApplyAnswer(answer string) error
	// AddCandidate applies a remote candidate, queuing it until a remote
	// description exists.
	AddCandidate(candidate string) error
	Close() error
}

// Connector opens a Peer that sends the given local stream.
type Connector interface {
	Connect(peerID string, local Stream, ev PeerEvents) (Peer, error)
}

// IncomingCall describes a ringing call awaiting a local decision.
type IncomingCall struct {
	CallerID    string `json:"caller_id"`
	DisplayName string `json:"display_name"`
	SessionID   string `json:"session_id"`
}

// Snapshot is a read-only view of the machine.
type Snapshot struct {
	State        State         `json:"state"`
	PeerID       string        `json:"peer_id,omitempty"`
	SessionID    string        `json:"session_id,omitempty"`
	Incoming     *IncomingCall `json:"incoming,omitempty"`
	LocalStream  bool          `json:"local_stream"`
	RemoteStream bool          `json:"remote_stream"`
	Muted        bool          `json:"muted"`
	VideoOff     bool          `json:"video_off"`
}

// Notice is a user-facing, non-fatal failure report.
type Notice struct {
	Err       error
	PeerID    string
	SessionID string
}

func (n Notice) Message() string {
	switch {
	case errors.Is(n.Err, ErrMediaAccessDenied):
		return "Could not access camera or microphone"
	case errors.Is(n.Err, ErrOfferNotFound):
		return "The call is no longer available"
	case errors.Is(n.Err, ErrSignalPublishFailed):
		return "Could not reach the other participant"
	case errors.Is(n.Err, ErrConnectionFailed), errors.Is(n.Err, ErrConnectionDisconnected):
		return "Call connection lost"
	case errors.Is(n.Err, ErrTimeout):
		return "No answer"
	case errors.Is(n.Err, ErrBusy):
		return "Participant is busy"
	default:
		return "Call failed"
	}
}
