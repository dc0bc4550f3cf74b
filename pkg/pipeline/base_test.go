package pipeline_test

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/realtime-ai/nodeplayer/pkg/looper"
	"github.com/realtime-ai/nodeplayer/pkg/media"
	"github.com/realtime-ai/nodeplayer/pkg/pipeline"
	"github.com/realtime-ai/nodeplayer/pkg/pipeline/pipelinetest"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []looper.Event
}

func (r *eventRecorder) PostEvent(ev looper.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *eventRecorder) count(kind looper.EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func newDecodeSinkPair(t *testing.T) (*pipelinetest.Decoder, *pipelinetest.Sink, *eventRecorder) {
	t.Helper()
	f := pipelinetest.NewFactory(zaptest.NewLogger(t))
	dec := f.DecoderStub(pipeline.LineAudio).New().(*pipelinetest.Decoder)
	sink := f.SinkStub(pipeline.LineAudio).New().(*pipelinetest.Sink)
	rec := &eventRecorder{}
	sink.SetEventLooper(rec)

	require.NoError(t, dec.Init(pipelinetest.AudioTrack()))
	require.NoError(t, sink.Init(dec.QueryFormat(pipeline.PortOutput)))
	dec.LinkNext(sink)

	for _, cmd := range []pipeline.Command{pipeline.CmdPrepare, pipeline.CmdStart} {
		require.NoError(t, dec.RunCommand(cmd, nil))
	}
	t.Cleanup(func() {
		_ = dec.RunCommand(pipeline.CmdStop, nil)
		_ = sink.Release()
		_ = dec.Release()
	})
	return dec, sink, rec
}

// deliver moves decoder output to the sink until done reports true.
func deliver(t *testing.T, dec *pipelinetest.Decoder, sink *pipelinetest.Sink, done func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !done() {
		require.True(t, time.Now().Before(deadline), "delivery timed out")
		buf, err := dec.PullBuffer(pipeline.PortOutput)
		if err != nil {
			time.Sleep(time.Millisecond)
			continue
		}
		require.NoError(t, sink.PushBuffer(buf, pipeline.PortInput))
	}
}

func TestStageEOSDeliveredOnce(t *testing.T) {
	dec, sink, rec := newDecodeSinkPair(t)
	assert.Equal(t, pipeline.StateStarted, sink.State())

	const n = 6
	for i := 0; i < n; i++ {
		b := media.NewBuffer(16)
		require.NoError(t, b.Write([]byte{byte(i), 1, 2, 3}))
		b.SetPTS(int64(i) * 20000)
		b.AddRef()
		require.NoError(t, dec.PushBuffer(b, pipeline.PortInput))
	}
	require.NoError(t, dec.PushBuffer(media.NewEOSBuffer(media.TrackAudio), pipeline.PortInput))
	require.NoError(t, dec.PushBuffer(media.NewEOSBuffer(media.TrackAudio), pipeline.PortInput))

	deliver(t, dec, sink, func() bool { return rec.count(looper.EventPlaybackComplete) >= 1 })
	time.Sleep(30 * time.Millisecond)
	deliver(t, dec, sink, func() bool { return dec.Out().Len() == 0 })

	assert.Len(t, sink.Rendered(), n)
	assert.Equal(t, 1, rec.count(looper.EventPlaybackComplete))
	assert.Equal(t, int64(1), sink.Completions())
}

func TestStageFlushRearmsEOS(t *testing.T) {
	dec, sink, rec := newDecodeSinkPair(t)

	require.NoError(t, dec.PushBuffer(media.NewEOSBuffer(media.TrackAudio), pipeline.PortInput))
	deliver(t, dec, sink, func() bool { return rec.count(looper.EventPlaybackComplete) == 1 })

	require.NoError(t, dec.RunCommand(pipeline.CmdFlush, nil))
	assert.False(t, dec.EOSForwarded())

	require.NoError(t, dec.PushBuffer(media.NewEOSBuffer(media.TrackAudio), pipeline.PortInput))
	deliver(t, dec, sink, func() bool { return rec.count(looper.EventPlaybackComplete) == 2 })
}

func TestStageCommands(t *testing.T) {
	f := pipelinetest.NewFactory(zaptest.NewLogger(t))
	dec := f.DecoderStub(pipeline.LineAudio).New().(*pipelinetest.Decoder)

	t.Run("Init requires a track type", func(t *testing.T) {
		err := dec.Init(media.NewMetadata())
		assert.True(t, errors.Is(err, media.ErrInvalidConfig))
		assert.Equal(t, pipeline.StateIdle, dec.State())
	})

	require.NoError(t, dec.Init(pipelinetest.AudioTrack()))
	defer dec.Release()

	t.Run("Start before prepare is ignored", func(t *testing.T) {
		require.NoError(t, dec.RunCommand(pipeline.CmdStart, nil))
		assert.Equal(t, pipeline.StateInitialized, dec.State())
		assert.False(t, dec.Started())
	})

	t.Run("Seek is unsupported on decoders", func(t *testing.T) {
		err := dec.RunCommand(pipeline.CmdSeek, media.NewMetadata().SetInt(media.KeySeekTime, 1000))
		assert.True(t, errors.Is(err, media.ErrUnsupported))
	})

	t.Run("Unknown command", func(t *testing.T) {
		err := dec.RunCommand(pipeline.Command(99), nil)
		assert.True(t, errors.Is(err, media.ErrUnsupported))
	})

	t.Run("Lifecycle", func(t *testing.T) {
		for _, step := range []struct {
			cmd  pipeline.Command
			want pipeline.State
		}{
			{pipeline.CmdPrepare, pipeline.StatePrepared},
			{pipeline.CmdStart, pipeline.StateStarted},
			{pipeline.CmdPause, pipeline.StatePaused},
			{pipeline.CmdStart, pipeline.StateStarted},
			{pipeline.CmdStop, pipeline.StateStopped},
			{pipeline.CmdPrepare, pipeline.StatePrepared},
			{pipeline.CmdStop, pipeline.StateStopped},
		} {
			require.NoError(t, dec.RunCommand(step.cmd, nil))
			assert.Equal(t, step.want, dec.State(), "after %s", step.cmd)
		}
	})
}

func TestStageStopUnblocksWorker(t *testing.T) {
	f := pipelinetest.NewFactory(zaptest.NewLogger(t))
	dec := f.DecoderStub(pipeline.LineAudio).New().(*pipelinetest.Decoder)
	require.NoError(t, dec.Init(pipelinetest.AudioTrack()))
	defer dec.Release()
	require.NoError(t, dec.RunCommand(pipeline.CmdPrepare, nil))
	require.NoError(t, dec.RunCommand(pipeline.CmdStart, nil))

	// Nobody drains the output, so the worker ends up blocked on its pool.
	for i := 0; i < 12; i++ {
		b := media.NewBuffer(8)
		require.NoError(t, b.Write([]byte{1, 2}))
		b.AddRef()
		require.NoError(t, dec.PushBuffer(b, pipeline.PortInput))
	}
	require.Eventually(t, func() bool { return dec.Decoded() == 8 }, time.Second, time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		_ = dec.RunCommand(pipeline.CmdStop, nil)
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("stop did not join a worker blocked on its pool")
	}
	assert.Equal(t, pipeline.StateStopped, dec.State())
	assert.Equal(t, 0, dec.Out().Len())
	assert.Equal(t, 0, dec.In().Len())
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, pipeline.StateIdle.CanTransition(pipeline.StateInitialized))
	assert.False(t, pipeline.StateIdle.CanTransition(pipeline.StateStarted))
	assert.True(t, pipeline.StatePaused.CanTransition(pipeline.StateSeeking))
	assert.True(t, pipeline.StatePrepared.CanTransition(pipeline.StateSeeking))
	assert.False(t, pipeline.StateInitialized.CanTransition(pipeline.StateSeeking))
	assert.True(t, pipeline.StateStopped.CanTransition(pipeline.StateError))
	assert.False(t, pipeline.StateError.CanTransition(pipeline.StateStarted))
}
