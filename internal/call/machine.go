package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"callsig/internal/signal"

	"github.com/google/uuid"
)

const (
	defaultUnknownCaller = "Unknown caller"
	signalSendTimeout    = 10 * time.Second
	lookupTimeout        = 3 * time.Second
	finishedSessions     = 32
)

type Config struct {
	// SelfID is the local participant's identity.
	SelfID string
	// RingTimeout bounds calling and ringing. Zero waits forever.
	RingTimeout time.Duration
	// UnknownCallerName is shown when the caller's name cannot be resolved.
	UnknownCallerName string
}

type Deps struct {
	Channel   Channel
	Media     Media
	Connector Connector
	Directory Directory
	Logger    *slog.Logger
}

// Machine owns the state of at most one call.
//
// Every call attempt gets a new attempt number. Work that suspends (media,
// SDP, network) re-checks the number afterwards; a mismatch means the call was
// ended meanwhile and whatever was just acquired is released on the spot.
type Machine struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	mu        sync.Mutex
	state     State
	attempt   uint64
	peerID    string
	sessionID string
	incoming  *IncomingCall
	answering bool
	local     Stream
	remote    Stream
	conn      Peer
	muted     bool
	videoOff  bool
	timer     *time.Timer
	// pending holds remote candidates received before a connection exists.
	pending []string
	// outbox holds local candidates until our offer or answer is published.
	outbox  []string
	trickle bool
	// finished remembers recently closed sessions so late offer redeliveries
	// do not ring again.
	finished []string

	listenersMu sync.RWMutex
	onChange    []func(Snapshot)
	onNotice    []func(Notice)

	runMu     sync.Mutex
	runCancel context.CancelFunc
}

func New(cfg Config, deps Deps) *Machine {
	if cfg.UnknownCallerName == "" {
		cfg.UnknownCallerName = defaultUnknownCaller
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Machine{
		cfg:   cfg,
		deps:  deps,
		log:   log.With("self_id", cfg.SelfID),
		state: StateIdle,
	}
}

// OnChange registers an observer for state changes. Observers run on the
// goroutine that caused the change and must not block.
func (m *Machine) OnChange(fn func(Snapshot)) {
	m.listenersMu.Lock()
	m.onChange = append(m.onChange, fn)
	m.listenersMu.Unlock()
}

// OnNotice registers an observer for user-facing failure notices.
func (m *Machine) OnNotice(fn func(Notice)) {
	m.listenersMu.Lock()
	m.onNotice = append(m.onNotice, fn)
	m.listenersMu.Unlock()
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Streams returns the current local and remote streams, either may be nil.
func (m *Machine) Streams() (local, remote Stream) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.local, m.remote
}

func (m *Machine) snapshotLocked() Snapshot {
	s := Snapshot{
		State:        m.state,
		PeerID:       m.peerID,
		SessionID:    m.sessionID,
		LocalStream:  m.local != nil,
		RemoteStream: m.remote != nil,
		Muted:        m.muted,
		VideoOff:     m.videoOff,
	}
	if m.incoming != nil {
		in := *m.incoming
		s.Incoming = &in
	}
	return s
}

// Run delivers signals addressed to the local participant until ctx is done
// or Close is called.
func (m *Machine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.runMu.Lock()
	m.runCancel = cancel
	m.runMu.Unlock()
	defer cancel()

	signals, stop, err := m.deps.Channel.Subscribe(ctx, m.cfg.SelfID)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer stop()
	m.log.Info("listening for call signals")

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			m.HandleSignal(ctx, sig)
		}
	}
}

// Close ends any active call and stops Run.
func (m *Machine) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), signalSendTimeout)
	defer cancel()
	_ = m.EndCall(ctx)

	m.runMu.Lock()
	if m.runCancel != nil {
		m.runCancel()
	}
	m.runMu.Unlock()
}

// StartCall places a call to peerID.
func (m *Machine) StartCall(ctx context.Context, peerID string) error {
	if peerID == "" || peerID == m.cfg.SelfID {
		return ErrInvalidPeer
	}

	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return ErrBusy
	}
	m.attempt++
	a := m.attempt
	m.state = StateCalling
	m.peerID = peerID
	m.sessionID = uuid.NewString()
	session := m.sessionID
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.emit(snap)

	log := m.log.With("peer_id", peerID, "session_id", session)
	log.Info("starting call")

	stream, err := m.deps.Media.GetUserMedia(ctx)
	if err != nil {
		err = mediaErr(err)
		m.fail(a, err, "")
		return err
	}
	if !m.adoptLocal(a, stream) {
		return ErrCancelled
	}

	conn, err := m.deps.Connector.Connect(peerID, stream, m.peerEvents(a, peerID, session))
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrConnectionFailed, err)
		m.fail(a, err, "")
		return err
	}
	if !m.adoptConn(a, conn) {
		return ErrCancelled
	}

	offer, err := conn.CreateOffer(ctx)
	if err != nil {
		err = fmt.Errorf("%w: create offer: %v", ErrConnectionFailed, err)
		m.fail(a, err, "")
		return err
	}

	m.mu.Lock()
	if m.attempt != a {
		m.mu.Unlock()
		return ErrCancelled
	}
	m.armTimerLocked(a)
	m.mu.Unlock()

	m.send(ctx, signal.Signal{
		SessionID: session,
		CallerID:  m.cfg.SelfID,
		CalleeID:  peerID,
		Type:      signal.TypeOffer,
		Data:      offer,
	})
	if !m.current(a) {
		// Hung up while the offer was in flight, so the earlier call-end
		// may have been stored ahead of it.
		m.send(ctx, signal.Signal{
			SessionID: session,
			CallerID:  m.cfg.SelfID,
			CalleeID:  peerID,
			Type:      signal.TypeCallEnd,
		})
		return ErrCancelled
	}
	m.startTrickle(a)
	return nil
}

// AnswerCall accepts the ringing call. It is a no-op unless ringing.
func (m *Machine) AnswerCall(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateRinging || m.incoming == nil || m.answering {
		m.mu.Unlock()
		m.log.Debug("answer ignored", "err", ErrInvalidTransition)
		return nil
	}
	a := m.attempt
	caller := m.incoming.CallerID
	session := m.incoming.SessionID
	m.answering = true
	m.stopTimerLocked()
	m.mu.Unlock()

	log := m.log.With("peer_id", caller, "session_id", session)
	log.Info("answering call")

	stream, err := m.deps.Media.GetUserMedia(ctx)
	if err != nil {
		err = mediaErr(err)
		m.fail(a, err, signal.TypeCallReject)
		return err
	}
	if !m.adoptLocal(a, stream) {
		return ErrCancelled
	}

	offer, err := m.deps.Channel.LatestOffer(ctx, caller, m.cfg.SelfID)
	if err != nil || offer.SessionID != session {
		if err != nil && !errors.Is(err, signal.ErrNotFound) {
			log.Warn("offer lookup failed", "err", err)
		}
		m.fail(a, ErrOfferNotFound, signal.TypeCallReject)
		return ErrOfferNotFound
	}
	if !m.current(a) {
		return ErrCancelled
	}

	conn, err := m.deps.Connector.Connect(caller, stream, m.peerEvents(a, caller, session))
	if err != nil {
		err = fmt.Errorf("%w: %v", ErrConnectionFailed, err)
		m.fail(a, err, signal.TypeCallReject)
		return err
	}
	if !m.adoptConn(a, conn) {
		return ErrCancelled
	}

	answer, err := conn.AcceptOffer(ctx, offer.Data)
	if err != nil {
		err = fmt.Errorf("%w: accept offer: %v", ErrConnectionFailed, err)
		m.fail(a, err, signal.TypeCallReject)
		return err
	}

	m.mu.Lock()
	if m.attempt != a {
		m.mu.Unlock()
		return ErrCancelled
	}
	pending := m.pending
	m.pending = nil
	m.state = StateConnected
	m.incoming = nil
	m.answering = false
	snap := m.snapshotLocked()
	m.mu.Unlock()

	for _, c := range pending {
		if err := conn.AddCandidate(c); err != nil {
			log.Warn("buffered candidate rejected", "err", err)
		}
	}
	m.emit(snap)

	m.send(ctx, signal.Signal{
		SessionID: session,
		CallerID:  m.cfg.SelfID,
		CalleeID:  caller,
		Type:      signal.TypeAnswer,
		Data:      answer,
	})
	m.startTrickle(a)
	log.Info("call connected")
	return nil
}

// RejectCall declines the ringing call. When idle it only cleans up.
func (m *Machine) RejectCall(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateRinging:
	case StateIdle:
		release := m.resetLocked()
		m.mu.Unlock()
		release()
		return nil
	default:
		m.mu.Unlock()
		m.log.Debug("reject ignored", "err", ErrInvalidTransition)
		return nil
	}
	peer, session := m.peerID, m.sessionID
	before := m.snapshotLocked()
	release := m.resetLocked()
	m.mu.Unlock()
	release()
	m.emitEnded(before)

	m.send(ctx, signal.Signal{
		SessionID: session,
		CallerID:  m.cfg.SelfID,
		CalleeID:  peer,
		Type:      signal.TypeCallReject,
	})
	m.log.Info("call rejected", "peer_id", peer, "session_id", session)
	return nil
}

// EndCall hangs up from any state. It never fails and is safe to repeat.
func (m *Machine) EndCall(ctx context.Context) error {
	m.mu.Lock()
	st := m.state
	peer, session := m.peerID, m.sessionID
	before := m.snapshotLocked()
	release := m.resetLocked()
	m.mu.Unlock()
	release()

	if st == StateIdle || peer == "" {
		return nil
	}
	m.emitEnded(before)
	m.send(ctx, signal.Signal{
		SessionID: session,
		CallerID:  m.cfg.SelfID,
		CalleeID:  peer,
		Type:      signal.TypeCallEnd,
	})
	m.log.Info("call ended", "peer_id", peer, "session_id", session, "from_state", st)
	return nil
}

// ToggleMute flips the local audio tracks and returns the new muted flag.
func (m *Machine) ToggleMute() bool {
	m.mu.Lock()
	if m.local == nil {
		muted := m.muted
		m.mu.Unlock()
		return muted
	}
	m.muted = !m.muted
	setEnabled(m.local, TrackAudio, !m.muted)
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.emit(snap)
	return snap.Muted
}

// ToggleVideo flips the local video tracks and returns the new video-off flag.
func (m *Machine) ToggleVideo() bool {
	m.mu.Lock()
	if m.local == nil {
		off := m.videoOff
		m.mu.Unlock()
		return off
	}
	m.videoOff = !m.videoOff
	setEnabled(m.local, TrackVideo, !m.videoOff)
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.emit(snap)
	return snap.VideoOff
}

func setEnabled(s Stream, kind TrackKind, enabled bool) {
	for _, t := range s.Tracks() {
		if t.Kind() == kind {
			t.SetEnabled(enabled)
		}
	}
}

// HandleSignal applies one inbound signal. Run calls it for every delivery;
// it is exported for transports that push signals themselves.
func (m *Machine) HandleSignal(ctx context.Context, sig signal.Signal) {
	if sig.CalleeID != m.cfg.SelfID {
		return
	}
	if sig.Type == signal.TypeOffer {
		m.handleOffer(ctx, sig)
		return
	}

	m.mu.Lock()
	if !m.tracksLocked(sig) {
		m.mu.Unlock()
		m.log.Debug("ignoring untracked signal",
			"signal_type", sig.Type, "caller_id", sig.CallerID, "session_id", sig.SessionID)
		return
	}

	switch sig.Type {
	case signal.TypeAnswer:
		if m.state != StateCalling || m.conn == nil {
			m.mu.Unlock()
			return
		}
		a, conn := m.attempt, m.conn
		m.mu.Unlock()
		m.applyAnswer(a, conn, sig)

	case signal.TypeICECandidate:
		conn := m.conn
		if conn == nil {
			if m.state == StateRinging {
				m.pending = append(m.pending, sig.Data)
			}
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		if err := conn.AddCandidate(sig.Data); err != nil {
			m.log.Warn("remote candidate rejected", "session_id", sig.SessionID, "err", err)
		}

	case signal.TypeCallEnd:
		before := m.snapshotLocked()
		release := m.resetLocked()
		m.mu.Unlock()
		release()
		m.emitEnded(before)
		m.log.Info("call ended by peer", "peer_id", sig.CallerID, "session_id", sig.SessionID)

	case signal.TypeCallReject:
		if m.state != StateCalling {
			m.mu.Unlock()
			return
		}
		before := m.snapshotLocked()
		release := m.resetLocked()
		m.mu.Unlock()
		release()
		m.emitEnded(before)
		m.log.Info("call rejected by peer", "peer_id", sig.CallerID, "session_id", sig.SessionID)

	default:
		m.mu.Unlock()
	}
}

// tracksLocked reports whether sig belongs to the call being tracked.
func (m *Machine) tracksLocked(sig signal.Signal) bool {
	return m.state != StateIdle &&
		sig.CallerID == m.peerID &&
		sig.SessionID == m.sessionID
}

func (m *Machine) handleOffer(ctx context.Context, sig signal.Signal) {
	m.mu.Lock()
	switch {
	case m.finishedLocked(sig.SessionID):
		m.mu.Unlock()
		return
	case m.state == StateIdle:
	case sig.SessionID == m.sessionID:
		// Redelivery of the offer we are already handling.
		m.mu.Unlock()
		return
	case m.state == StateRinging && sig.CallerID == m.peerID && !m.answering:
		// The caller restarted; the newer session replaces the pending one.
	default:
		m.mu.Unlock()
		m.rejectBusy(ctx, sig)
		return
	}
	m.mu.Unlock()

	name := m.displayName(ctx, sig.CallerID)

	// The machine may have moved on during the lookup.
	m.mu.Lock()
	replacing := m.state == StateRinging && m.peerID == sig.CallerID && !m.answering
	switch {
	case m.finishedLocked(sig.SessionID) || sig.SessionID == m.sessionID:
		m.mu.Unlock()
		return
	case m.state != StateIdle && !replacing:
		m.mu.Unlock()
		m.rejectBusy(ctx, sig)
		return
	}
	if replacing {
		m.rememberLocked(m.sessionID)
	}
	m.stopTimerLocked()
	m.attempt++
	a := m.attempt
	m.state = StateRinging
	m.peerID = sig.CallerID
	m.sessionID = sig.SessionID
	m.pending = nil
	m.incoming = &IncomingCall{
		CallerID:    sig.CallerID,
		DisplayName: name,
		SessionID:   sig.SessionID,
	}
	m.armTimerLocked(a)
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.log.Info("incoming call", "caller_id", sig.CallerID, "session_id", sig.SessionID)
	m.emit(snap)
}

func (m *Machine) rejectBusy(ctx context.Context, sig signal.Signal) {
	m.log.Info("rejecting call while busy", "caller_id", sig.CallerID, "session_id", sig.SessionID)
	m.send(ctx, signal.Signal{
		SessionID: sig.SessionID,
		CallerID:  m.cfg.SelfID,
		CalleeID:  sig.CallerID,
		Type:      signal.TypeCallReject,
	})
}

// rememberLocked marks session as done so late redeliveries are dropped.
func (m *Machine) rememberLocked(session string) {
	if session == "" {
		return
	}
	m.finished = append(m.finished, session)
	if len(m.finished) > finishedSessions {
		m.finished = m.finished[len(m.finished)-finishedSessions:]
	}
}

func (m *Machine) finishedLocked(session string) bool {
	for _, f := range m.finished {
		if f == session {
			return true
		}
	}
	return false
}

func (m *Machine) displayName(ctx context.Context, userID string) string {
	if m.deps.Directory == nil {
		return m.cfg.UnknownCallerName
	}
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()
	name, err := m.deps.Directory.DisplayName(ctx, userID)
	if err != nil || name == "" {
		m.log.Debug("display name unavailable", "user_id", userID, "err", err)
		return m.cfg.UnknownCallerName
	}
	return name
}

func (m *Machine) applyAnswer(a uint64, conn Peer, sig signal.Signal) {
	if err := conn.ApplyAnswer(sig.Data); err != nil {
		m.fail(a, fmt.Errorf("%w: apply answer: %v", ErrConnectionFailed, err), "")
		return
	}
	m.mu.Lock()
	if m.attempt != a || m.state != StateCalling {
		m.mu.Unlock()
		return
	}
	m.stopTimerLocked()
	m.state = StateConnected
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.log.Info("call connected", "peer_id", sig.CallerID, "session_id", sig.SessionID)
	m.emit(snap)
}

func (m *Machine) peerEvents(a uint64, peerID, session string) PeerEvents {
	return PeerEvents{
		Candidate: func(candidate string) {
			m.mu.Lock()
			if m.attempt != a {
				m.mu.Unlock()
				return
			}
			if !m.trickle {
				m.outbox = append(m.outbox, candidate)
				m.mu.Unlock()
				return
			}
			m.mu.Unlock()
			m.sendCandidate(peerID, session, candidate)
		},
		RemoteStream: func(s Stream) {
			m.mu.Lock()
			if m.attempt != a || m.remote != nil {
				m.mu.Unlock()
				s.Stop()
				return
			}
			m.remote = s
			snap := m.snapshotLocked()
			m.mu.Unlock()
			m.emit(snap)
		},
		Lost: func(err error) {
			m.fail(a, err, "")
		},
	}
}

// startTrickle flushes candidates gathered before our description was sent
// and lets later ones go out immediately.
func (m *Machine) startTrickle(a uint64) {
	m.mu.Lock()
	if m.attempt != a {
		m.mu.Unlock()
		return
	}
	m.trickle = true
	out := m.outbox
	m.outbox = nil
	peer, session := m.peerID, m.sessionID
	m.mu.Unlock()

	for _, c := range out {
		m.sendCandidate(peer, session, c)
	}
}

func (m *Machine) sendCandidate(peerID, session, candidate string) {
	ctx, cancel := context.WithTimeout(context.Background(), signalSendTimeout)
	defer cancel()
	m.send(ctx, signal.Signal{
		SessionID: session,
		CallerID:  m.cfg.SelfID,
		CalleeID:  peerID,
		Type:      signal.TypeICECandidate,
		Data:      candidate,
	})
}

// send publishes sig once. Failures are reported, never retried.
func (m *Machine) send(ctx context.Context, sig signal.Signal) {
	if err := m.deps.Channel.Publish(ctx, sig); err != nil {
		m.log.Warn("signal publish failed",
			"signal_type", sig.Type, "peer_id", sig.CalleeID, "session_id", sig.SessionID, "err", err)
		m.notice(Notice{
			Err:       fmt.Errorf("%w: %v", ErrSignalPublishFailed, err),
			PeerID:    sig.CalleeID,
			SessionID: sig.SessionID,
		})
	}
}

func (m *Machine) current(a uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt == a
}

// adoptLocal stores the acquired stream, or stops it if the attempt is gone.
func (m *Machine) adoptLocal(a uint64, s Stream) bool {
	m.mu.Lock()
	if m.attempt != a {
		m.mu.Unlock()
		s.Stop()
		return false
	}
	m.local = s
	m.muted, m.videoOff = false, false
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.emit(snap)
	return true
}

// adoptConn stores the connection, or closes it if the attempt is gone.
func (m *Machine) adoptConn(a uint64, conn Peer) bool {
	m.mu.Lock()
	if m.attempt != a {
		m.mu.Unlock()
		_ = conn.Close()
		return false
	}
	m.conn = conn
	m.mu.Unlock()
	return true
}

// fail ends attempt a with err. reply, when set, is sent to the peer.
func (m *Machine) fail(a uint64, err error, reply signal.Type) {
	m.mu.Lock()
	if m.attempt != a {
		m.mu.Unlock()
		return
	}
	m.finishLocked(err, reply)
}

// finishLocked tears the call down and reports err. It releases m.mu.
func (m *Machine) finishLocked(err error, reply signal.Type) {
	peer, session := m.peerID, m.sessionID
	before := m.snapshotLocked()
	release := m.resetLocked()
	m.mu.Unlock()
	release()

	m.log.Warn("call failed", "peer_id", peer, "session_id", session, "err", err)
	m.emitEnded(before)
	m.notice(Notice{Err: err, PeerID: peer, SessionID: session})

	if reply != "" && peer != "" {
		ctx, cancel := context.WithTimeout(context.Background(), signalSendTimeout)
		defer cancel()
		m.send(ctx, signal.Signal{SessionID: session, CallerID: m.cfg.SelfID, CalleeID: peer, Type: reply})
	}
}

func (m *Machine) armTimerLocked(a uint64) {
	m.stopTimerLocked()
	if m.cfg.RingTimeout <= 0 {
		return
	}
	m.timer = time.AfterFunc(m.cfg.RingTimeout, func() { m.onTimeout(a) })
}

func (m *Machine) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Machine) onTimeout(a uint64) {
	m.mu.Lock()
	if m.attempt != a || m.answering {
		m.mu.Unlock()
		return
	}
	switch m.state {
	case StateCalling:
		m.finishLocked(ErrTimeout, signal.TypeCallEnd)
	case StateRinging:
		m.finishLocked(ErrTimeout, signal.TypeCallReject)
	default:
		m.mu.Unlock()
	}
}

// resetLocked returns the machine to idle and invalidates the current
// attempt. The returned func releases media and the connection and must be
// called without holding m.mu.
func (m *Machine) resetLocked() func() {
	m.stopTimerLocked()
	m.attempt++
	conn, local, remote := m.conn, m.local, m.remote
	m.rememberLocked(m.sessionID)

	m.state = StateIdle
	m.peerID = ""
	m.sessionID = ""
	m.incoming = nil
	m.answering = false
	m.conn = nil
	m.local = nil
	m.remote = nil
	m.muted = false
	m.videoOff = false
	m.pending = nil
	m.outbox = nil
	m.trickle = false

	return func() {
		if conn != nil {
			if err := conn.Close(); err != nil {
				m.log.Debug("connection close", "err", err)
			}
		}
		if local != nil {
			local.Stop()
		}
		if remote != nil {
			remote.Stop()
		}
	}
}

func (m *Machine) emitEnded(before Snapshot) {
	ended := before
	ended.State = StateEnded
	ended.Incoming = nil
	m.emit(ended)
	m.emit(m.Snapshot())
}

func (m *Machine) emit(s Snapshot) {
	m.listenersMu.RLock()
	fns := make([]func(Snapshot), len(m.onChange))
	copy(fns, m.onChange)
	m.listenersMu.RUnlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (m *Machine) notice(n Notice) {
	m.listenersMu.RLock()
	fns := make([]func(Notice), len(m.onNotice))
	copy(fns, m.onNotice)
	m.listenersMu.RUnlock()
	for _, fn := range fns {
		fn(n)
	}
}

func mediaErr(err error) error {
	if errors.Is(err, ErrMediaAccessDenied) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrMediaAccessDenied, err)
}
