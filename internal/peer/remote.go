package peer

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"callsig/internal/call"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// remoteSource is the part of *webrtc.TrackRemote a RemoteStream consumes.
type remoteSource interface {
	Kind() webrtc.RTPCodecType
	StreamID() string
	Read(b []byte) (int, interceptor.Attributes, error)
}

// RemoteStream collects the tracks the other participant sends. Each track is
// drained in the background until the stream stops or the connection closes.
type RemoteStream struct {
	id string

	mu      sync.Mutex
	tracks  []*RemoteTrack
	done    chan struct{}
	stopped bool
}

func newRemoteStream(id string) *RemoteStream {
	if id == "" {
		id = "remote"
	}
	return &RemoteStream{id: id, done: make(chan struct{})}
}

func (s *RemoteStream) ID() string { return s.id }

func (s *RemoteStream) Tracks() []call.Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]call.Track, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

// Packets is the number of RTP packets received across all tracks.
func (s *RemoteStream) Packets() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n uint64
	for _, t := range s.tracks {
		n += t.packets.Load()
	}
	return n
}

func (s *RemoteStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.done)
	for _, t := range s.tracks {
		t.enabled.Store(false)
	}
}

func (s *RemoteStream) attach(src remoteSource, log *slog.Logger) {
	t := &RemoteTrack{kind: kindOf(src.Kind())}
	t.enabled.Store(true)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()

	log.Info("remote track", "kind", t.kind, "stream_id", src.StreamID())
	go s.drain(src, t)
}

func (s *RemoteStream) drain(src remoteSource, t *RemoteTrack) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := src.Read(buf); err != nil {
			return
		}
		select {
		case <-s.done:
			return
		default:
		}
		t.packets.Add(1)
	}
}

// RemoteTrack is an inbound track. Disabling it only hides it locally.
type RemoteTrack struct {
	kind    call.TrackKind
	enabled atomic.Bool
	packets atomic.Uint64
}

func (t *RemoteTrack) Kind() call.TrackKind { return t.kind }

func (t *RemoteTrack) Enabled() bool { return t.enabled.Load() }

func (t *RemoteTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

func (t *RemoteTrack) Stop() { t.enabled.Store(false) }

func kindOf(k webrtc.RTPCodecType) call.TrackKind {
	if k == webrtc.RTPCodecTypeAudio {
		return call.TrackAudio
	}
	return call.TrackVideo
}
