package elements_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/at-wat/ebml-go/webm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realtime-ai/nodeplayer/pkg/elements"
	"github.com/realtime-ai/nodeplayer/pkg/player"
	"github.com/realtime-ai/nodeplayer/pkg/utils"
)

// signalCloser reports when the muxer goroutine has flushed and closed its
// output.
type signalCloser struct {
	*os.File
	closed chan struct{}
}

func (s *signalCloser) Close() error {
	defer close(s.closed)
	return s.File.Close()
}

// writePCMWebM stores samples as 20 ms little-endian PCM blocks.
func writePCMWebM(t *testing.T, path string, samples []int16) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)

	out := &signalCloser{File: f, closed: make(chan struct{})}
	writers, err := webm.NewSimpleBlockWriter(out, []webm.TrackEntry{{
		Name:        "Audio",
		TrackNumber: 1,
		TrackUID:    1,
		CodecID:     "A_PCM/INT/LIT",
		TrackType:   2,
		Audio: &webm.Audio{
			SamplingFrequency: testRate,
			Channels:          1,
		},
	}})
	require.NoError(t, err)

	per := testRate / 50
	for i := 0; i*per < len(samples); i++ {
		end := (i + 1) * per
		if end > len(samples) {
			end = len(samples)
		}
		_, err := writers[0].Write(true, int64(i*20), utils.Int16SliceToByteSlice(samples[i*per:end]))
		require.NoError(t, err)
	}
	require.NoError(t, writers[0].Close())
	select {
	case <-out.closed:
	case <-time.After(time.Second):
		// the muxer does not own the file on every version
		require.NoError(t, f.Close())
	}
}

func TestWebMPlaysIntoWavFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.webm")
	dst := filepath.Join(dir, "out.wav")

	samples := make([]int16, testRate/5)
	want := make([]int, len(samples))
	for i := range samples {
		samples[i] = int16(i * 3)
		want[i] = i * 3
	}
	writePCMWebM(t, src, samples)

	p := newPlayer(t, elements.Options{Renderers: elements.FileRenderers(dst, "")})
	ctx := ctxFor(t)

	require.NoError(t, p.SetDataSource(ctx, src))
	require.NoError(t, p.Prepare(ctx))
	assert.GreaterOrEqual(t, p.Duration(), int64(180_000))
	assert.LessOrEqual(t, p.Duration(), int64(200_000))
	assert.Contains(t, p.Summary(), "webm-demuxer/1.0")

	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.Wait(ctx))
	assert.Equal(t, player.StateComplete, p.State())
	require.NoError(t, p.Reset(ctx))

	_, got := readWav(t, dst)
	assert.Equal(t, want, got)
}
