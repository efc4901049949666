package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mossy-p/webrtc-calls/config"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Opus tuned for voice: mono, in-band FEC, 40 kbps average
const opusFmtp = "minptime=10;useinbandfec=1;stereo=0;maxaveragebitrate=40000"

var errClosed = errors.New("engine closed")

// PionOptions configures the Pion factory. StreamID labels the local audio
// stream. OnRemoteAudio receives the remote audio track; when nil the track
// is drained.
type PionOptions struct {
	ICE           config.ICEConfig
	StreamID      string
	OnRemoteAudio func(callID string, track *webrtc.TrackRemote)
	Log           zerolog.Logger
}

// NewPionFactory builds a shared Pion API and returns a factory that creates
// one audio-only PeerConnection per call.
func NewPionFactory(opts PionOptions) (Factory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: opusCapability(),
		PayloadType:        111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Generous ICE timeouts so a short relay outage does not drop the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)
	rtcConfig := webrtc.Configuration{
		ICEServers:    iceServers(opts.ICE),
		BundlePolicy:  webrtc.BundlePolicyMaxBundle,
		RTCPMuxPolicy: webrtc.RTCPMuxPolicyRequire,
	}

	return func(callID string) (Engine, error) {
		return newPion(api, rtcConfig, callID, opts)
	}, nil
}

func opusCapability() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: opusFmtp,
	}
}

func iceServers(cfg config.ICEConfig) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(cfg.URLs))
	for _, u := range cfg.URLs {
		s := webrtc.ICEServer{URLs: []string{u}}
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			s.Username = cfg.Username
			s.Credential = cfg.Password
		}
		servers = append(servers, s)
	}
	return servers
}

// Pion is an Engine backed by a Pion PeerConnection
type Pion struct {
	callID string
	pc     *webrtc.PeerConnection
	track  *webrtc.TrackLocalStaticSample
	log    zerolog.Logger

	candidates chan string
	states     chan ConnectionState
	closed     chan struct{}
	closeOnce  sync.Once
}

var _ Engine = (*Pion)(nil)

func newPion(api *webrtc.API, rtcConfig webrtc.Configuration, callID string, opts PionOptions) (*Pion, error) {
	pc, err := api.NewPeerConnection(rtcConfig)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	p := &Pion{
		callID:     callID,
		pc:         pc,
		log:        opts.Log.With().Str("call_id", callID).Logger(),
		candidates: make(chan string, 64),
		states:     make(chan ConnectionState, 8),
		closed:     make(chan struct{}),
	}

	streamID := opts.StreamID
	if streamID == "" {
		streamID = "stream_" + callID
	}
	track, err := webrtc.NewTrackLocalStaticSample(opusCapability(), "audio", streamID)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("local audio track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add audio track: %w", err)
	}
	p.track = track

	// RTCP has to be read for interceptors like NACK to work.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			p.log.Debug().Msg("ICE gathering complete")
			return
		}
		blob, err := json.Marshal(c.ToJSON())
		if err != nil {
			p.log.Error().Err(err).Msg("Failed to marshal candidate")
			return
		}
		select {
		case p.candidates <- string(blob):
		case <-p.closed:
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.log.Debug().Str("state", s.String()).Msg("Peer connection state")
		state, ok := mapState(s)
		if !ok {
			return
		}
		select {
		case p.states <- state:
		case <-p.closed:
		}
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		p.log.Info().Str("kind", remote.Kind().String()).Str("codec", remote.Codec().MimeType).Msg("Remote track added")
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		if opts.OnRemoteAudio != nil {
			opts.OnRemoteAudio(callID, remote)
			return
		}
		buf := make([]byte, 1500)
		for {
			if _, _, err := remote.Read(buf); err != nil {
				return
			}
		}
	})

	return p, nil
}

func mapState(s webrtc.PeerConnectionState) (ConnectionState, bool) {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return StateConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return StateFailed, true
	case webrtc.PeerConnectionStateClosed:
		return StateClosed, true
	}
	return 0, false
}

// AudioTrack is the local track the audio routing layer writes Opus samples to
func (p *Pion) AudioTrack() *webrtc.TrackLocalStaticSample {
	return p.track
}

func (p *Pion) CreateOffer(ctx context.Context) (string, error) {
	return p.createLocal(ctx, func() (webrtc.SessionDescription, error) {
		return p.pc.CreateOffer(nil)
	})
}

func (p *Pion) CreateAnswer(ctx context.Context) (string, error) {
	return p.createLocal(ctx, func() (webrtc.SessionDescription, error) {
		return p.pc.CreateAnswer(nil)
	})
}

func (p *Pion) createLocal(ctx context.Context, create func() (webrtc.SessionDescription, error)) (string, error) {
	if err := p.usable(ctx); err != nil {
		return "", err
	}
	sd, err := create()
	if err != nil {
		return "", fmt.Errorf("%w: create description: %v", models.ErrNegotiationFailed, err)
	}
	if err := p.pc.SetLocalDescription(sd); err != nil {
		return "", fmt.Errorf("%w: set local description: %v", models.ErrNegotiationFailed, err)
	}
	blob, err := json.Marshal(sd)
	if err != nil {
		return "", err
	}
	return string(blob), nil
}

func (p *Pion) ApplyRemoteDescription(ctx context.Context, blob string, kind models.SignalKind) error {
	if err := p.usable(ctx); err != nil {
		return err
	}
	var sd webrtc.SessionDescription
	if err := json.Unmarshal([]byte(blob), &sd); err != nil {
		return fmt.Errorf("%w: decode description: %v", models.ErrNegotiationFailed, err)
	}
	want := webrtc.SDPTypeOffer
	if kind == models.KindAnswer {
		want = webrtc.SDPTypeAnswer
	}
	if sd.Type != want {
		return fmt.Errorf("%w: expected %s description, got %s", models.ErrNegotiationFailed, want, sd.Type)
	}
	if err := p.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("%w: set remote description: %v", models.ErrNegotiationFailed, err)
	}
	return nil
}

func (p *Pion) ApplyRemoteCandidate(ctx context.Context, blob string) error {
	if err := p.usable(ctx); err != nil {
		return err
	}
	if p.pc.RemoteDescription() == nil {
		return fmt.Errorf("%w: candidate before remote description", models.ErrNegotiationFailed)
	}
	var c webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(blob), &c); err != nil {
		return fmt.Errorf("%w: decode candidate: %v", models.ErrNegotiationFailed, err)
	}
	if err := p.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("%w: add candidate: %v", models.ErrNegotiationFailed, err)
	}
	return nil
}

func (p *Pion) LocalCandidates() <-chan string           { return p.candidates }
func (p *Pion) ConnectionStates() <-chan ConnectionState { return p.states }

// Close tears down the PeerConnection. Safe to call more than once.
func (p *Pion) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		err = p.pc.Close()
		p.log.Debug().Msg("Peer connection closed")
	})
	return err
}

func (p *Pion) usable(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-p.closed:
		return errClosed
	default:
		return nil
	}
}
