package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/realtime-ai/nodeplayer/pkg/elements"
	"github.com/realtime-ai/nodeplayer/pkg/elements/rtc"
	"github.com/realtime-ai/nodeplayer/pkg/pipeline"
	"github.com/realtime-ai/nodeplayer/pkg/player"
)

const commandTimeout = 5 * time.Second

// Control is a playback command received on the peer's data channel.
type Control struct {
	Type       string `json:"type"`
	PositionUs int64  `json:"position_us,omitempty"`
	Looping    bool   `json:"looping,omitempty"`
}

// Status is the reply to every control message.
type Status struct {
	Type       string `json:"type"`
	State      string `json:"state"`
	PositionUs int64  `json:"position_us"`
	DurationUs int64  `json:"duration_us"`
	Error      string `json:"error,omitempty"`
}

// Session plays one source into one peer connection.
type Session struct {
	id     string
	source string
	pc     *webrtc.PeerConnection
	track  *webrtc.TrackLocalStaticSample
	player *player.Controller
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	closeOnce sync.Once
	onClose   func(*Session)
}

func newSession(id string, pc *webrtc.PeerConnection, opts Options, onClose func(*Session)) (*Session, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	logger := opts.Logger.With(zap.String("session", id))

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "nodeplayer")
	if err != nil {
		return nil, errors.Wrap(err, "create local audio track")
	}
	// a pcm:// source plays the peer's own audio back to it
	feed := player.ProtocolOf(opts.Source) == player.ProtocolPCM
	direction := webrtc.RTPTransceiverDirectionSendonly
	if feed {
		direction = webrtc.RTPTransceiverDirectionSendrecv
	}
	if _, err := pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{Direction: direction}); err != nil {
		return nil, errors.Wrap(err, "add audio transceiver")
	}

	stageOpts := opts.Stages
	stageOpts.Logger = logger
	stageOpts.Renderers = rtc.WebRTCRenderers(track, logger, stageOpts.DumpDecoded)
	// the peer consumes at wall-clock rate, so sinks must not run ahead
	stageOpts.Realtime = true

	registry := pipeline.NewRegistry(pipeline.RegistryOptions{Logger: logger, UserAgent: opts.Player.UserAgent})
	if err := elements.Register(registry, rtc.Stubs(stageOpts)...); err != nil {
		return nil, err
	}
	playerOpts := opts.Player
	playerOpts.Logger = logger
	playerOpts.Registry = registry
	p, err := player.New(playerOpts)
	if err != nil {
		return nil, err
	}
	if opts.Hub != nil {
		opts.Hub.Attach(p)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:      id,
		source:  opts.Source,
		pc:      pc,
		track:   track,
		player:  p,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		onClose: onClose,
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Info("peer connection state", zap.String("state", state.String()))
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if !feed {
				s.startOnce.Do(func() { go s.play() })
			}
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			go s.Close()
		}
	})
	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		logger.Info("remote track", zap.String("id", remote.ID()), zap.String("codec", remote.Codec().MimeType))
		if feed && remote.Kind() == webrtc.RTPCodecTypeAudio {
			s.startOnce.Do(func() { go s.echo(remote) })
		}
	})
	pc.OnDataChannel(func(d *webrtc.DataChannel) {
		logger.Debug("data channel", zap.String("label", d.Label()))
		d.OnMessage(func(msg webrtc.DataChannelMessage) {
			reply, err := json.Marshal(s.handleControl(msg.Data))
			if err != nil {
				return
			}
			if err := d.SendText(string(reply)); err != nil {
				logger.Debug("send status", zap.Error(err))
			}
		})
	})
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) Player() *player.Controller { return s.player }

// play prepares the source and starts playback. It returns when playback
// ends or the session closes.
func (s *Session) play() {
	ctx, cancel := context.WithTimeout(s.ctx, commandTimeout)
	defer cancel()
	if err := s.player.SetDataSource(ctx, s.source); err != nil {
		s.logger.Error("set data source", zap.String("source", s.source), zap.Error(err))
		return
	}
	if err := s.player.Prepare(ctx); err != nil {
		s.logger.Error("prepare", zap.Error(err))
		return
	}
	if err := s.player.Start(ctx); err != nil {
		s.logger.Error("start", zap.Error(err))
		return
	}
	if err := s.player.Wait(s.ctx); err != nil {
		return
	}
	s.logger.Info("playback finished", zap.String("state", s.player.State().String()))
}

// echo decodes the peer's audio track through the player and sends it back.
func (s *Session) echo(remote *webrtc.TrackRemote) {
	ctx, cancel := context.WithTimeout(s.ctx, commandTimeout)
	defer cancel()
	codec := remote.Codec()
	s.player.SetCodecMeta(pipeline.LineAudio, rtc.OpusFeedMeta(int(codec.ClockRate), 1))
	if err := s.player.SetDataSource(ctx, s.source); err != nil {
		s.logger.Error("set data source", zap.Error(err))
		return
	}
	if err := s.player.Prepare(ctx); err != nil {
		s.logger.Error("prepare", zap.Error(err))
		return
	}
	if err := s.player.Start(ctx); err != nil {
		s.logger.Error("start", zap.Error(err))
		return
	}
	feed := rtc.NewTrackFeed(remote, s.player, codec.ClockRate, s.logger)
	if err := feed.Run(s.ctx); err != nil && s.ctx.Err() == nil {
		s.logger.Warn("track feed", zap.Error(err))
	}
	s.logger.Info("remote track ended", zap.Int64("packets", feed.Packets()))
}

// handleControl runs one data channel command against the player.
func (s *Session) handleControl(data []byte) Status {
	var ctl Control
	status := func(err error) Status {
		st := Status{
			Type:       ctl.Type,
			State:      s.player.State().String(),
			PositionUs: s.player.CurrentPosition(),
			DurationUs: s.player.Duration(),
		}
		if err != nil {
			st.Error = err.Error()
		}
		return st
	}
	if err := json.Unmarshal(data, &ctl); err != nil {
		return status(errors.Wrap(err, "decode control"))
	}

	ctx, cancel := context.WithTimeout(s.ctx, commandTimeout)
	defer cancel()
	var err error
	switch ctl.Type {
	case "start":
		err = s.player.Start(ctx)
	case "pause":
		err = s.player.Pause(ctx)
	case "stop":
		err = s.player.Stop(ctx)
	case "seek":
		err = s.player.SeekTo(ctl.PositionUs)
	case "loop":
		s.player.SetLooping(ctl.Looping)
	case "status":
	default:
		err = errors.Errorf("unknown control %q", ctl.Type)
	}
	return status(err)
}

// Close stops playback and closes the peer connection.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		if err := s.player.Close(); err != nil {
			s.logger.Warn("close player", zap.Error(err))
		}
		if err := s.pc.Close(); err != nil {
			s.logger.Warn("close peer connection", zap.Error(err))
		}
		if s.onClose != nil {
			s.onClose(s)
		}
		s.logger.Info("session closed")
	})
}
