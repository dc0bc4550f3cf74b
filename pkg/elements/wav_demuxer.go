package elements

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/go-audio/wav"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/realtime-ai/nodeplayer/pkg/media"
	"github.com/realtime-ai/nodeplayer/pkg/pipeline"
)

const wavFormatPCM, wavFormatALaw, wavFormatMuLaw = 1, 6, 7

// WavDemuxer reads RIFF/WAVE files and emits 20 ms chunks of raw samples on
// a single audio track.
type WavDemuxer struct {
	demuxCore

	path  string
	codec media.CodecID

	rmu        sync.Mutex
	file       *os.File
	data       io.Reader
	sampleRate int
	blockAlign int
	chunkBytes int
	consumed   int64
}

func NewWavDemuxer(stub *pipeline.Stub, opts Options) *WavDemuxer {
	return &WavDemuxer{demuxCore: newDemuxCore(stub, opts)}
}

func wavCodec(format, bits uint16) (media.CodecID, error) {
	switch {
	case format == wavFormatPCM && bits == 16:
		return media.CodecPCMS16LE, nil
	case format == wavFormatPCM && bits == 8:
		return media.CodecPCMU8, nil
	case format == wavFormatALaw:
		return media.CodecPCMALaw, nil
	case format == wavFormatMuLaw:
		return media.CodecPCMMuLaw, nil
	}
	return media.CodecUnknown, errors.Wrapf(media.ErrUnsupported, "wav format %d/%d bits", format, bits)
}

func (d *WavDemuxer) Init(meta media.Metadata) error {
	path, err := uriOf(meta)
	if err != nil {
		return err
	}
	d.path = path

	dec, f, err := d.open()
	if err != nil {
		return err
	}
	codec, err := wavCodec(dec.WavAudioFormat, dec.BitDepth)
	if err != nil {
		f.Close()
		return err
	}
	d.codec = codec

	d.sampleRate = int(dec.SampleRate)
	d.blockAlign = int(dec.NumChans) * int(dec.BitDepth) / 8
	if d.blockAlign <= 0 || d.sampleRate <= 0 {
		f.Close()
		return errors.Wrapf(media.ErrInvalidConfig, "wav %s: %d Hz, %d byte frames", path, d.sampleRate, d.blockAlign)
	}
	d.chunkBytes = d.sampleRate / 50 * d.blockAlign
	duration := time.Duration(int64(dec.PCMSize) / int64(d.blockAlign) * int64(time.Second) / int64(d.sampleRate))
	d.setDuration(duration.Microseconds())

	d.addTrack(media.NewMetadata().
		Set(media.KeyTrackType, media.TrackAudio).
		Set(media.KeyCodecID, codec).
		SetInt(media.KeySampleRate, int64(dec.SampleRate)).
		SetInt(media.KeyChannels, int64(dec.NumChans)).
		SetInt(media.KeyBitDepth, int64(dec.BitDepth)).
		SetInt(media.KeyStreamTime, duration.Microseconds()))

	if err := d.usePool("wav-demux", d.chunkBytes); err != nil {
		f.Close()
		return err
	}

	d.rmu.Lock()
	d.file = f
	d.data = io.LimitReader(dec.PCMChunk, int64(dec.PCMSize))
	d.consumed = 0
	d.rmu.Unlock()

	d.SetFormat(pipeline.PortInput, meta)
	d.SetState(pipeline.StateInitialized)
	d.Logger().Info("wav opened",
		zap.String("path", path),
		zap.Stringer("codec", codec),
		zap.Int("rate", d.sampleRate),
		zap.Duration("duration", duration))
	return nil
}

// open positions a fresh decoder at the start of the sample data.
func (d *WavDemuxer) open() (*wav.Decoder, *os.File, error) {
	f, err := os.Open(d.path)
	if err != nil {
		return nil, nil, errors.Wrapf(media.ErrNullSource, "open %s: %v", d.path, err)
	}
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		f.Close()
		return nil, nil, errors.Wrapf(media.ErrInvalidConfig, "%s is not a wav file", d.path)
	}
	if err := dec.FwdToPCM(); err != nil {
		f.Close()
		return nil, nil, errors.Wrapf(media.ErrInvalidConfig, "wav %s: %v", d.path, err)
	}
	return dec, f, nil
}

func (d *WavDemuxer) RunCommand(cmd pipeline.Command, opts media.Metadata) error {
	return d.Dispatch(d, cmd, opts)
}

func (d *WavDemuxer) Step(ctx context.Context) error {
	if d.atEOS() {
		return media.ErrEndOfStream
	}
	buf, err := d.pool.AcquireBuffer(true, d.chunkBytes)
	if err != nil {
		return err
	}

	d.rmu.Lock()
	n, err := io.ReadFull(d.data, buf.Bytes()[:d.chunkBytes])
	n -= n % d.blockAlign
	pts := d.consumed / int64(d.blockAlign) * 1_000_000 / int64(d.sampleRate)
	d.consumed += int64(n)
	d.rmu.Unlock()

	if n > 0 {
		_ = buf.SetRange(0, n)
		buf.SetPTS(pts)
		d.queuePacket(media.TrackAudio, buf)
	} else {
		buf.Release()
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		d.queueEOS()
		return nil
	default:
		return errors.Wrapf(err, "read %s", d.path)
	}
}

// OnSeek reopens the file and skips to the frame at timeUs.
func (d *WavDemuxer) OnSeek(timeUs int64) error {
	d.OnFlush()
	dec, f, err := d.open()
	if err != nil {
		return err
	}
	frames := timeUs * int64(d.sampleRate) / 1_000_000
	skip := frames * int64(d.blockAlign)
	data := io.LimitReader(dec.PCMChunk, int64(dec.PCMSize))
	skipped, err := io.CopyN(io.Discard, data, skip)
	if err != nil && !errors.Is(err, io.EOF) {
		f.Close()
		return errors.Wrapf(err, "skip %d bytes", skip)
	}

	d.rmu.Lock()
	if d.file != nil {
		d.file.Close()
	}
	d.file = f
	d.data = data
	d.consumed = skipped
	d.rmu.Unlock()

	d.rearm()
	d.Logger().Debug("wav seek", zap.Int64("time_us", timeUs), zap.Int64("offset", skipped))
	return nil
}

func (d *WavDemuxer) Release() error {
	err := d.BaseStage.Release()
	d.rmu.Lock()
	if d.file != nil {
		d.file.Close()
		d.file = nil
	}
	d.rmu.Unlock()
	return err
}
