package rtc

import (
	"context"
	"io"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/realtime-ai/nodeplayer/pkg/media"
)

// PacketReader is the part of *webrtc.TrackRemote a TrackFeed reads.
type PacketReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Feeder takes compressed payloads, usually a player on a pcm:// source.
type Feeder interface {
	WriteData(data []byte, ptsUs int64) error
}

// OpusFeedMeta is the audio line metadata for feeding Opus packets.
func OpusFeedMeta(sampleRate, channels int) media.Metadata {
	return media.NewMetadata().
		Set(media.KeyTrackType, media.TrackAudio).
		Set(media.KeyCodecID, media.CodecOpus).
		SetInt(media.KeySampleRate, int64(sampleRate)).
		SetInt(media.KeyChannels, int64(channels))
}

// TrackFeed forwards the payloads of a remote RTP track to a Feeder with
// timestamps derived from the RTP clock. The end of the track is fed as end
// of stream.
type TrackFeed struct {
	reader    PacketReader
	feeder    Feeder
	clockRate uint32
	logger    *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	packets int64
}

func NewTrackFeed(reader PacketReader, feeder Feeder, clockRate uint32, logger *zap.Logger) *TrackFeed {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clockRate == 0 {
		clockRate = 48000
	}
	return &TrackFeed{
		reader:    reader,
		feeder:    feeder,
		clockRate: clockRate,
		logger:    logger.With(zap.String("component", "track_feed")),
	}
}

func (f *TrackFeed) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.cancel = cancel
	f.mu.Unlock()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		if err := f.Run(ctx); err != nil {
			f.logger.Debug("track feed stopped", zap.Error(err))
		}
	}()
}

// Run reads until the track ends or ctx is cancelled. The caller closes the
// track to unblock a pending read.
func (f *TrackFeed) Run(ctx context.Context) error {
	var base uint32
	started := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pkt, _, err := f.reader.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errors.Wrap(f.feeder.WriteData(nil, -1), "feed end of stream")
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.Warn("read rtp", zap.Error(err))
			continue
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		if !started {
			base, started = pkt.Timestamp, true
		}
		// uint32 subtraction survives timestamp wrap
		pts := int64(pkt.Timestamp-base) * 1_000_000 / int64(f.clockRate)
		if err := f.feeder.WriteData(pkt.Payload, pts); err != nil {
			f.logger.Debug("drop packet", zap.Uint16("seq", pkt.SequenceNumber), zap.Error(err))
			continue
		}
		f.mu.Lock()
		f.packets++
		f.mu.Unlock()
	}
}

// Packets is the number of payloads accepted by the feeder.
func (f *TrackFeed) Packets() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.packets
}

func (f *TrackFeed) Stop() {
	f.mu.Lock()
	cancel := f.cancel
	f.cancel = nil
	f.mu.Unlock()
	if cancel != nil {
		cancel()
		f.wg.Wait()
	}
}
