// Package peer implements call.Connector on top of pion/webrtc.
package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"callsig/internal/call"

	"github.com/pion/webrtc/v4"
)

var (
	ErrClosed             = errors.New("peer: connection closed")
	ErrInvalidDescription = errors.New("peer: invalid session description")
	ErrInvalidCandidate   = errors.New("peer: invalid ice candidate")
)

// conn is the part of *webrtc.PeerConnection the Manager drives.
type conn interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	Close() error
}

// Manager owns one peer connection for the lifetime of a call.
//
// Remote candidates that arrive before the remote description are queued and
// applied, in order, as soon as it is set.
type Manager struct {
	pc    conn
	ev    call.PeerEvents
	log   *slog.Logger
	local call.Stream

	mu        sync.Mutex
	remoteSet bool
	queued    []webrtc.ICECandidateInit
	closed    bool
	lost      bool
	remote    *RemoteStream
	announced bool
}

func newManager(pc conn, ev call.PeerEvents, log *slog.Logger) *Manager {
	return &Manager{pc: pc, ev: ev, log: log}
}

// CreateOffer creates the local offer, applies it and returns it serialized.
func (m *Manager) CreateOffer(ctx context.Context) (string, error) {
	if err := m.usable(ctx); err != nil {
		return "", err
	}
	offer, err := m.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := m.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return encodeDescription(offer)
}

// AcceptOffer applies a remote offer and returns the serialized answer.
func (m *Manager) AcceptOffer(ctx context.Context, offer string) (string, error) {
	if err := m.usable(ctx); err != nil {
		return "", err
	}
	desc, err := decodeDescription(offer, webrtc.SDPTypeOffer)
	if err != nil {
		return "", err
	}
	if err := m.setRemote(desc); err != nil {
		return "", err
	}
	answer, err := m.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := m.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	return encodeDescription(answer)
}

// ApplyAnswer applies the remote answer to our earlier offer.
func (m *Manager) ApplyAnswer(answer string) error {
	if err := m.usable(context.Background()); err != nil {
		return err
	}
	desc, err := decodeDescription(answer, webrtc.SDPTypeAnswer)
	if err != nil {
		return err
	}
	return m.setRemote(desc)
}

func (m *Manager) setRemote(desc webrtc.SessionDescription) error {
	if err := m.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	m.mu.Lock()
	m.remoteSet = true
	queued := m.queued
	m.queued = nil
	m.mu.Unlock()

	for _, c := range queued {
		if err := m.pc.AddICECandidate(c); err != nil {
			m.log.Warn("queued candidate rejected", "err", err)
		}
	}
	return nil
}

// AddCandidate applies a serialized remote candidate, or queues it while no
// remote description is set.
func (m *Manager) AddCandidate(candidate string) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &init); err != nil || init.Candidate == "" {
		return ErrInvalidCandidate
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if !m.remoteSet {
		m.queued = append(m.queued, init)
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	if err := m.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// RemoteStream returns the remote media, or nil before the first track.
func (m *Manager) RemoteStream() *RemoteStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote
}

// Close closes the connection and stops the local and remote streams.
// Repeated calls are no-ops.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.queued = nil
	remote := m.remote
	m.mu.Unlock()

	if m.local != nil {
		m.local.Stop()
	}
	if remote != nil {
		remote.Stop()
	}
	return m.pc.Close()
}

func (m *Manager) usable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *Manager) handleCandidate(c *webrtc.ICECandidate) {
	// nil marks the end of gathering.
	if c == nil || m.ev.Candidate == nil {
		return
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}
	data, err := json.Marshal(c.ToJSON())
	if err != nil {
		m.log.Warn("encode local candidate", "err", err)
		return
	}
	m.ev.Candidate(string(data))
}

func (m *Manager) handleState(state webrtc.PeerConnectionState) {
	m.log.Debug("connection state", "state", state.String())

	var err error
	switch state {
	case webrtc.PeerConnectionStateFailed:
		err = call.ErrConnectionFailed
	case webrtc.PeerConnectionStateDisconnected:
		err = call.ErrConnectionDisconnected
	default:
		return
	}

	m.mu.Lock()
	if m.closed || m.lost {
		m.mu.Unlock()
		return
	}
	m.lost = true
	m.mu.Unlock()

	if m.ev.Lost != nil {
		m.ev.Lost(err)
	}
}

// addRemoteTrack attaches an inbound track to the remote stream and announces
// the stream on its first track.
func (m *Manager) addRemoteTrack(t remoteSource) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.remote == nil {
		m.remote = newRemoteStream(t.StreamID())
	}
	remote := m.remote
	announce := !m.announced
	m.announced = true
	m.mu.Unlock()

	remote.attach(t, m.log)
	if announce && m.ev.RemoteStream != nil {
		m.ev.RemoteStream(remote)
	}
}

func encodeDescription(desc webrtc.SessionDescription) (string, error) {
	data, err := json.Marshal(desc)
	if err != nil {
		return "", fmt.Errorf("encode description: %w", err)
	}
	return string(data), nil
}

func decodeDescription(raw string, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal([]byte(raw), &desc); err != nil {
		return desc, fmt.Errorf("%w: %v", ErrInvalidDescription, err)
	}
	if desc.Type != want || desc.SDP == "" {
		return desc, fmt.Errorf("%w: expected %s", ErrInvalidDescription, want)
	}
	return desc, nil
}
