package player_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/realtime-ai/nodeplayer/pkg/looper"
	"github.com/realtime-ai/nodeplayer/pkg/media"
	"github.com/realtime-ai/nodeplayer/pkg/pipeline"
	"github.com/realtime-ai/nodeplayer/pkg/pipeline/pipelinetest"
	"github.com/realtime-ai/nodeplayer/pkg/player"
)

type recorder struct {
	mu     sync.Mutex
	events []looper.EventKind
	seeks  []int64
}

func (r *recorder) Notify(kind looper.EventKind, _, _ int32, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, kind)
	if kind == looper.EventSeekComplete {
		r.seeks = append(r.seeks, data.(int64))
	}
}

func (r *recorder) count(kind looper.EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, k := range r.events {
		if k == kind {
			n++
		}
	}
	return n
}

func (r *recorder) seekTargets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.seeks...)
}

type fixture struct {
	factory  *pipelinetest.Factory
	registry *pipeline.Registry
	player   *player.Controller
	events   *recorder
}

func newFixture(t *testing.T, cfg pipelinetest.DemuxerConfig) *fixture {
	t.Helper()
	return newFixtureSinks(t, cfg, pipeline.MediaLines...)
}

// newFixtureSinks registers a decoder for every media line but sinks only
// for the given lines.
func newFixtureSinks(t *testing.T, cfg pipelinetest.DemuxerConfig, sinkLines ...pipeline.Line) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	f := pipelinetest.NewFactory(logger)
	r := pipeline.NewRegistry(pipeline.RegistryOptions{Logger: logger})
	require.NoError(t, r.RegisterStub(f.DemuxerStub(cfg)))
	for _, line := range pipeline.MediaLines {
		require.NoError(t, r.RegisterStub(f.DecoderStub(line)))
	}
	for _, line := range sinkLines {
		require.NoError(t, r.RegisterStub(f.SinkStub(line)))
	}

	p, err := player.New(player.Options{Logger: logger, Registry: r})
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	rec := &recorder{}
	p.SetListener(rec)
	return &fixture{factory: f, registry: r, player: p, events: rec}
}

func timeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func audioOnly(packets int) pipelinetest.DemuxerConfig {
	return pipelinetest.DemuxerConfig{
		Tracks:  []media.Metadata{pipelinetest.AudioTrack()},
		Packets: packets,
	}
}

func (f *fixture) prepare(t *testing.T) {
	t.Helper()
	ctx := timeout(t)
	require.NoError(t, f.player.SetDataSource(ctx, "file:///media/test.wav"))
	require.NoError(t, f.player.Prepare(ctx))
	require.Equal(t, player.StatePrepared, f.player.State())
}

func TestControllerPlaysToCompletion(t *testing.T) {
	f := newFixture(t, audioOnly(5))
	completed := make(chan struct{}, 1)
	f.player.SetCallback(func() { completed <- struct{}{} })

	f.prepare(t)
	assert.Equal(t, int64(100_000), f.player.Duration())

	ctx := timeout(t)
	require.NoError(t, f.player.Start(ctx))
	require.NoError(t, f.player.Wait(ctx))

	assert.Equal(t, player.StateComplete, f.player.State())
	select {
	case <-completed:
	case <-ctx.Done():
		t.Fatal("callback not invoked")
	}

	sinks := f.factory.Sinks()
	require.Len(t, sinks, 1)
	assert.Equal(t, []int64{0, 20_000, 40_000, 60_000, 80_000}, sinks[0].Rendered())
	assert.Equal(t, int64(1), sinks[0].Completions())
	assert.Equal(t, 1, f.events.count(looper.EventPlaybackComplete))
	assert.Equal(t, int64(80_000), f.player.CurrentPosition())
	assert.Contains(t, f.player.Summary(), "fake-audio-sink/1.0")
}

func TestControllerWaitsForEveryLine(t *testing.T) {
	f := newFixture(t, pipelinetest.DemuxerConfig{
		Tracks:  []media.Metadata{pipelinetest.AudioTrack(), pipelinetest.VideoTrack()},
		Packets: 4,
	})
	f.prepare(t)

	ctx := timeout(t)
	require.NoError(t, f.player.Start(ctx))
	require.NoError(t, f.player.Wait(ctx))

	assert.Equal(t, player.StateComplete, f.player.State())
	for _, s := range f.factory.Sinks() {
		assert.Len(t, s.Rendered(), 4)
		assert.Equal(t, int64(1), s.Completions())
	}
	assert.Equal(t, 1, f.events.count(looper.EventPlaybackComplete))
}

func TestControllerCompletesWithoutVideoSink(t *testing.T) {
	f := newFixtureSinks(t, pipelinetest.DemuxerConfig{
		Tracks:  []media.Metadata{pipelinetest.AudioTrack(), pipelinetest.VideoTrack()},
		Packets: 4,
	}, pipeline.LineAudio)
	f.prepare(t)
	require.Len(t, f.registry.Chain(pipeline.LineVideo), 1)

	ctx := timeout(t)
	require.NoError(t, f.player.Start(ctx))
	require.NoError(t, f.player.Wait(ctx))

	assert.Equal(t, player.StateComplete, f.player.State())
	sinks := f.factory.Sinks()
	require.Len(t, sinks, 1)
	assert.Len(t, sinks[0].Rendered(), 4)
	assert.Equal(t, 1, f.events.count(looper.EventPlaybackComplete))
	assert.Equal(t, int64(60_000), f.player.CurrentPosition())
}

func TestControllerStartBeforePrepare(t *testing.T) {
	f := newFixture(t, audioOnly(5))
	ctx := timeout(t)

	require.NoError(t, f.player.Start(ctx))
	assert.Equal(t, player.StateIdle, f.player.State())

	require.NoError(t, f.player.SetDataSource(ctx, "/media/test.wav"))
	assert.Equal(t, player.ProtocolFile, f.player.Protocol())
	require.NoError(t, f.player.Start(ctx))
	assert.Equal(t, player.StateInitialized, f.player.State())

	demuxers := f.factory.Demuxers()
	require.Len(t, demuxers, 1)
	assert.NotContains(t, demuxers[0].Commands(), pipeline.CmdStart)
	assert.Empty(t, f.factory.Sinks())
}

func TestControllerSeekCoalescing(t *testing.T) {
	f := newFixture(t, pipelinetest.DemuxerConfig{
		Tracks:        []media.Metadata{pipelinetest.AudioTrack()},
		Packets:       60,
		FrameDuration: time.Second,
	})
	f.prepare(t)

	f.registry.Lock()
	require.NoError(t, f.player.SeekTo(10_000_000))
	require.NoError(t, f.player.SeekTo(40_000_000))
	f.registry.Unlock()

	ctx := timeout(t)
	require.NoError(t, f.player.Wait(ctx))
	assert.Equal(t, player.StateComplete, f.player.State())

	demuxers := f.factory.Demuxers()
	require.Len(t, demuxers, 1)
	assert.Equal(t, []int64{40_000_000}, demuxers[0].Seeks())
	assert.Equal(t, []int64{40_000_000}, f.events.seekTargets())

	rendered := f.factory.Sinks()[0].Rendered()
	require.NotEmpty(t, rendered)
	assert.Equal(t, int64(40_000_000), rendered[0])
}

func TestControllerSeekWithinMargin(t *testing.T) {
	f := newFixture(t, pipelinetest.DemuxerConfig{
		Tracks:        []media.Metadata{pipelinetest.AudioTrack()},
		Packets:       10,
		FrameDuration: time.Second,
	})
	f.prepare(t)

	require.NoError(t, f.player.SeekTo(100_000))
	assert.Empty(t, f.factory.Demuxers()[0].Seeks())
	assert.Equal(t, player.StatePrepared, f.player.State())
}

func TestControllerSeekBeforePrepare(t *testing.T) {
	f := newFixture(t, pipelinetest.DemuxerConfig{
		Tracks:        []media.Metadata{pipelinetest.AudioTrack()},
		Packets:       10,
		FrameDuration: time.Second,
	})
	ctx := timeout(t)
	require.NoError(t, f.player.SetDataSource(ctx, "file:///media/test.wav"))
	require.NoError(t, f.player.SeekTo(8_000_000))
	require.NoError(t, f.player.Prepare(ctx))

	require.NoError(t, f.player.Wait(ctx))
	assert.Equal(t, []int64{8_000_000}, f.factory.Demuxers()[0].Seeks())
	assert.Len(t, f.factory.Sinks()[0].Rendered(), 2)
}

func TestControllerSeekBeforePrepareWithinMargin(t *testing.T) {
	f := newFixture(t, pipelinetest.DemuxerConfig{
		Tracks:        []media.Metadata{pipelinetest.AudioTrack()},
		Packets:       10,
		FrameDuration: 100 * time.Millisecond,
	})
	ctx := timeout(t)
	require.NoError(t, f.player.SetDataSource(ctx, "file:///media/test.wav"))
	require.NoError(t, f.player.SeekTo(300_000))
	require.NoError(t, f.player.Prepare(ctx))

	require.NoError(t, f.player.Wait(ctx))
	assert.Equal(t, player.StateComplete, f.player.State())
	assert.Equal(t, []int64{300_000}, f.factory.Demuxers()[0].Seeks())
	assert.Equal(t, []int64{300_000}, f.events.seekTargets())

	rendered := f.factory.Sinks()[0].Rendered()
	require.Len(t, rendered, 7)
	assert.Equal(t, int64(300_000), rendered[0])
}

func TestControllerLooping(t *testing.T) {
	f := newFixture(t, audioOnly(3))
	f.player.SetLooping(true)
	f.prepare(t)

	ctx := timeout(t)
	require.NoError(t, f.player.Start(ctx))
	require.Eventually(t, func() bool {
		return f.events.count(looper.EventSeekComplete) >= 2
	}, 5*time.Second, time.Millisecond)
	f.player.SetLooping(false)

	require.NoError(t, f.player.Wait(ctx))
	assert.Equal(t, player.StateComplete, f.player.State())
	assert.GreaterOrEqual(t, len(f.factory.Sinks()[0].Rendered()), 9)
	for _, target := range f.factory.Demuxers()[0].Seeks() {
		assert.Equal(t, int64(0), target)
	}
}

func TestControllerBadSource(t *testing.T) {
	f := newFixture(t, audioOnly(3))
	ctx := timeout(t)

	err := f.player.SetDataSource(ctx, "")
	require.ErrorIs(t, err, media.ErrNullSource)
	assert.Equal(t, player.StateError, f.player.State())

	require.NoError(t, f.player.Reset(ctx))
	assert.Equal(t, player.StateIdle, f.player.State())

	f.prepare(t)
	require.NoError(t, f.player.Start(ctx))
	require.NoError(t, f.player.Wait(ctx))
	assert.Equal(t, player.StateComplete, f.player.State())
}

func TestControllerWaitTimeout(t *testing.T) {
	f := newFixture(t, audioOnly(3))
	f.prepare(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.player.Wait(ctx), media.ErrTimeout)
}

func TestControllerStopAndReplay(t *testing.T) {
	f := newFixture(t, audioOnly(5))
	f.prepare(t)
	ctx := timeout(t)

	require.NoError(t, f.player.Start(ctx))
	require.NoError(t, f.player.Pause(ctx))
	require.NoError(t, f.player.Stop(ctx))
	assert.Equal(t, player.StateStopped, f.player.State())
	assert.Zero(t, f.player.CurrentPosition())
	assert.Zero(t, f.player.Duration())

	demux := f.factory.Demuxers()[0]
	assert.Contains(t, demux.Commands(), pipeline.CmdStop)
	assert.Contains(t, f.factory.Sinks()[0].Commands(), pipeline.CmdStop)

	require.NoError(t, f.player.Prepare(ctx))
	assert.Equal(t, player.StatePrepared, f.player.State())
	assert.Contains(t, demux.Seeks(), int64(0))

	require.NoError(t, f.player.Start(ctx))
	require.NoError(t, f.player.Wait(ctx))
	assert.Equal(t, player.StateComplete, f.player.State())

	require.NoError(t, f.player.Reset(ctx))
	assert.Equal(t, player.StateIdle, f.player.State())
	assert.Nil(t, f.registry.Head(pipeline.LineRoot))
	assert.Nil(t, f.registry.Head(pipeline.LineAudio))
	assert.Equal(t, pipeline.StateIdle, demux.State())
}

func TestControllerRestartFromComplete(t *testing.T) {
	f := newFixture(t, audioOnly(2))
	f.prepare(t)
	ctx := timeout(t)

	require.NoError(t, f.player.Start(ctx))
	require.NoError(t, f.player.Wait(ctx))
	require.NoError(t, f.player.Start(ctx))
	require.Eventually(t, func() bool {
		return f.player.State() == player.StateComplete
	}, 5*time.Second, time.Millisecond)

	assert.Equal(t, []int64{0, 20_000, 0, 20_000}, f.factory.Sinks()[0].Rendered())
}

func TestControllerPCMFeed(t *testing.T) {
	f := newFixture(t, audioOnly(0))
	ctx := timeout(t)

	f.player.SetCodecMeta(pipeline.LineAudio, pipelinetest.AudioTrack())
	require.NoError(t, f.player.SetDataSource(ctx, "pcm://feed"))
	assert.Equal(t, player.ProtocolPCM, f.player.Protocol())
	require.NoError(t, f.player.Prepare(ctx))
	require.NoError(t, f.player.Start(ctx))

	for i := 0; i < 3; i++ {
		require.NoError(t, f.player.WriteData(make([]byte, 320), int64(i)*10_000))
	}
	require.NoError(t, f.player.WriteData(nil, -1))
	require.NoError(t, f.player.Wait(ctx))

	assert.Equal(t, player.StateComplete, f.player.State())
	assert.Empty(t, f.factory.Demuxers())
	assert.Equal(t, []int64{0, 10_000, 20_000}, f.factory.Sinks()[0].Rendered())
}

func TestControllerWriteDataNeedsFeed(t *testing.T) {
	f := newFixture(t, audioOnly(1))
	f.prepare(t)
	assert.ErrorIs(t, f.player.WriteData([]byte{1}, 0), media.ErrUnsupported)
}
