package peer

import (
	"fmt"
	"log/slog"

	"callsig/internal/call"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// DefaultSTUN is used when no ICE servers are configured. There is no TURN
// relay, so peers behind symmetric NATs cannot connect.
var DefaultSTUN = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

type Config struct {
	// ICEServers are STUN URLs. An empty, non-nil slice disables ICE servers.
	ICEServers []string
}

// Factory opens peer connections that share one media engine.
type Factory struct {
	api *webrtc.API
	rtc webrtc.Configuration
	log *slog.Logger
}

func NewFactory(cfg Config, log *slog.Logger) (*Factory, error) {
	if log == nil {
		log = slog.Default()
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	urls := cfg.ICEServers
	if urls == nil {
		urls = DefaultSTUN
	}
	var rtc webrtc.Configuration
	if len(urls) > 0 {
		rtc.ICEServers = []webrtc.ICEServer{{URLs: urls}}
	}

	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(interceptorRegistry),
		),
		rtc: rtc,
		log: log,
	}, nil
}

type pionTrack interface {
	TrackLocal() webrtc.TrackLocal
}

// Connect opens a connection to peerID sending the tracks of local. Tracks
// that are not pion-backed are skipped and a receive-only transceiver keeps
// the media section in the offer.
func (f *Factory) Connect(peerID string, local call.Stream, ev call.PeerEvents) (call.Peer, error) {
	pc, err := f.api.NewPeerConnection(f.rtc)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	log := f.log.With("peer_id", peerID)
	m := newManager(pc, ev, log)
	m.local = local

	sent := map[call.TrackKind]bool{}
	if local != nil {
		for _, t := range local.Tracks() {
			pt, ok := t.(pionTrack)
			if !ok {
				continue
			}
			sender, err := pc.AddTrack(pt.TrackLocal())
			if err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("add %s track: %w", t.Kind(), err)
			}
			sent[t.Kind()] = true
			go drainRTCP(sender)
		}
	}
	for _, kind := range []call.TrackKind{call.TrackAudio, call.TrackVideo} {
		if sent[kind] {
			continue
		}
		codec := webrtc.RTPCodecTypeAudio
		if kind == call.TrackVideo {
			codec = webrtc.RTPCodecTypeVideo
		}
		if _, err := pc.AddTransceiverFromKind(codec, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add %s transceiver: %w", kind, err)
		}
	}

	pc.OnICECandidate(m.handleCandidate)
	pc.OnConnectionStateChange(m.handleState)
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.addRemoteTrack(track)
	})
	return m, nil
}

// drainRTCP reads sender reports so interceptors keep working; it returns
// once the connection closes.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
