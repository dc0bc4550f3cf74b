package rtc_test

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/at-wat/ebml-go"
	"github.com/at-wat/ebml-go/webm"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/realtime-ai/nodeplayer/pkg/elements"
	"github.com/realtime-ai/nodeplayer/pkg/elements/rtc"
	"github.com/realtime-ai/nodeplayer/pkg/pipeline"
	"github.com/realtime-ai/nodeplayer/pkg/player"
)

func sine(rate, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = int(8000 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	return out
}

func writeWav(t *testing.T, path string, rate int, samples []int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	require.NoError(t, enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: rate},
		Data:           samples,
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())
}

func play(t *testing.T, src string, renderers elements.RendererFactory) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	r := pipeline.NewRegistry(pipeline.RegistryOptions{Logger: logger})
	opts := rtc.Options{Options: elements.Options{Logger: logger, Renderers: renderers}}
	require.NoError(t, elements.Register(r, rtc.Stubs(opts)...))

	p, err := player.New(player.Options{Logger: logger, Registry: r})
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, p.SetDataSource(ctx, src))
	require.NoError(t, p.Prepare(ctx))
	require.NoError(t, p.Start(ctx))
	require.NoError(t, p.Wait(ctx))
	assert.Equal(t, player.StateComplete, p.State())
	require.NoError(t, p.Reset(ctx))
}

func TestWavToOpusWebMAndBack(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "in.wav")
	mid := filepath.Join(dir, "mid.webm")
	dst := filepath.Join(dir, "out.wav")

	const rate = 16000
	writeWav(t, src, rate, sine(rate, rate))

	play(t, src, rtc.WebMRenderers(mid, zaptest.NewLogger(t)))

	f, err := os.Open(mid)
	require.NoError(t, err)
	var doc struct {
		Header  webm.EBMLHeader `ebml:"EBML"`
		Segment webm.Segment    `ebml:"Segment"`
	}
	require.NoError(t, ebml.Unmarshal(f, &doc))
	require.NoError(t, f.Close())
	require.Len(t, doc.Segment.Tracks.TrackEntry, 1)
	assert.Equal(t, "A_OPUS", doc.Segment.Tracks.TrackEntry[0].CodecID)
	blocks := 0
	for _, c := range doc.Segment.Cluster {
		blocks += len(c.SimpleBlock)
	}
	// one second in 20 ms frames
	assert.Equal(t, 50, blocks)

	play(t, mid, elements.FileRenderers(dst, ""))

	out, err := os.Open(dst)
	require.NoError(t, err)
	defer out.Close()
	dec := wav.NewDecoder(out)
	buf, err := dec.FullPCMBuffer()
	require.NoError(t, err)
	assert.Equal(t, uint32(48000), dec.SampleRate)
	assert.Len(t, buf.Data, 50*960)
}

func TestStubsAddOpusDecoder(t *testing.T) {
	stubs := rtc.Stubs(rtc.Options{})
	last := stubs[len(stubs)-1]
	assert.Equal(t, "opus-decoder", last.Name)
	assert.Equal(t, pipeline.StageDecoder, last.Type)
	assert.Len(t, stubs, len(elements.DefaultStubs(elements.Options{}))+1)
}
