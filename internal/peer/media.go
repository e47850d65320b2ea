package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"callsig/internal/call"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

const oggPageDuration = 20 * time.Millisecond

// Devices stands in for the camera and microphone. Without files it yields
// silent tracks that still negotiate; with files it streams their samples.
type Devices struct {
	// AudioFile is an Ogg/Opus file played on the audio track.
	AudioFile string
	// VideoFile is an IVF/VP8 file played on the video track.
	VideoFile string
	Logger    *slog.Logger
}

// GetUserMedia returns a new local stream. Unreadable sources are reported as
// call.ErrMediaAccessDenied.
func (d Devices) GetUserMedia(ctx context.Context) (call.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}

	id := uuid.NewString()
	audio, err := newLocalTrack(call.TrackAudio, webrtc.RTPCodecCapability{
		MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2,
	}, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", call.ErrMediaAccessDenied, err)
	}
	video, err := newLocalTrack(call.TrackVideo, webrtc.RTPCodecCapability{
		MimeType: webrtc.MimeTypeVP8, ClockRate: 90000,
	}, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", call.ErrMediaAccessDenied, err)
	}

	if d.AudioFile != "" {
		if err := audio.playOgg(d.AudioFile, log); err != nil {
			return nil, err
		}
	}
	if d.VideoFile != "" {
		if err := video.playIVF(d.VideoFile, log); err != nil {
			audio.Stop()
			return nil, err
		}
	}
	return &LocalStream{id: id, tracks: []*LocalTrack{audio, video}}, nil
}

// LocalStream is the set of tracks sent to the other participant.
type LocalStream struct {
	id     string
	tracks []*LocalTrack
}

func (s *LocalStream) ID() string { return s.id }

func (s *LocalStream) Tracks() []call.Track {
	out := make([]call.Track, 0, len(s.tracks))
	for _, t := range s.tracks {
		out = append(out, t)
	}
	return out
}

func (s *LocalStream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
}

// LocalTrack is an outbound sample track. A disabled track keeps its slot in
// the negotiation but writes no samples.
type LocalTrack struct {
	kind    call.TrackKind
	track   *webrtc.TrackLocalStaticSample
	enabled atomic.Bool

	stopOnce sync.Once
	done     chan struct{}
	closer   io.Closer
	mu       sync.Mutex
}

func newLocalTrack(kind call.TrackKind, codec webrtc.RTPCodecCapability, streamID string) (*LocalTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(codec, string(kind), streamID)
	if err != nil {
		return nil, err
	}
	t := &LocalTrack{kind: kind, track: track, done: make(chan struct{})}
	t.enabled.Store(true)
	return t, nil
}

func (t *LocalTrack) Kind() call.TrackKind { return t.kind }

func (t *LocalTrack) Enabled() bool { return t.enabled.Load() }

func (t *LocalTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// TrackLocal is the pion track added to a peer connection.
func (t *LocalTrack) TrackLocal() webrtc.TrackLocal { return t.track }

func (t *LocalTrack) Stop() {
	t.stopOnce.Do(func() {
		t.enabled.Store(false)
		close(t.done)
		t.mu.Lock()
		if t.closer != nil {
			_ = t.closer.Close()
		}
		t.mu.Unlock()
	})
}

// WriteSample sends one sample unless the track is disabled or stopped.
func (t *LocalTrack) WriteSample(s media.Sample) error {
	if !t.enabled.Load() {
		return nil
	}
	return t.track.WriteSample(s)
}

func (t *LocalTrack) playOgg(path string, log *slog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", call.ErrMediaAccessDenied, err)
	}
	ogg, _, err := oggreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: %v", call.ErrMediaAccessDenied, err)
	}
	t.setCloser(f)

	go func() {
		ticker := time.NewTicker(oggPageDuration)
		defer ticker.Stop()
		var lastGranule uint64
		for {
			select {
			case <-t.done:
				return
			case <-ticker.C:
			}
			page, header, err := ogg.ParseNextPage()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.Warn("audio source ended", "err", err)
				}
				return
			}
			samples := header.GranulePosition - lastGranule
			lastGranule = header.GranulePosition
			duration := time.Duration(float64(samples)/48000*1000) * time.Millisecond
			if err := t.WriteSample(media.Sample{Data: page, Duration: duration}); err != nil {
				log.Debug("audio sample dropped", "err", err)
			}
		}
	}()
	return nil
}

func (t *LocalTrack) playIVF(path string, log *slog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", call.ErrMediaAccessDenied, err)
	}
	ivf, header, err := ivfreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: %v", call.ErrMediaAccessDenied, err)
	}
	t.setCloser(f)

	frame := 33 * time.Millisecond
	if header.TimebaseDenominator != 0 {
		if d := time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second)); d > 0 {
			frame = d
		}
	}

	go func() {
		ticker := time.NewTicker(frame)
		defer ticker.Stop()
		for {
			select {
			case <-t.done:
				return
			case <-ticker.C:
			}
			data, _, err := ivf.ParseNextFrame()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.Warn("video source ended", "err", err)
				}
				return
			}
			if err := t.WriteSample(media.Sample{Data: data, Duration: frame}); err != nil {
				log.Debug("video sample dropped", "err", err)
			}
		}
	}()
	return nil
}

func (t *LocalTrack) setCloser(c io.Closer) {
	t.mu.Lock()
	t.closer = c
	t.mu.Unlock()
}
