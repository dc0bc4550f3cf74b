package elements

import (
	"context"
	"os"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/realtime-ai/nodeplayer/pkg/media"
	"github.com/realtime-ai/nodeplayer/pkg/pipeline"
)

// H264Demuxer plays a raw Annex-B elementary stream as a single video track
// at the frame rate announced by its SPS.
type H264Demuxer struct {
	demuxCore

	umu      sync.Mutex
	units    [][]byte
	keyframe []bool
	frameUs  int64
	next     int
	gen      int
}

func NewH264Demuxer(stub *pipeline.Stub, opts Options) *H264Demuxer {
	return &H264Demuxer{demuxCore: newDemuxCore(stub, opts)}
}

func (d *H264Demuxer) Init(meta media.Metadata) error {
	path, err := uriOf(meta)
	if err != nil {
		return err
	}
	stream, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(media.ErrNullSource, "read %s: %v", path, err)
	}
	aus, err := splitAccessUnits(stream)
	if err != nil {
		return errors.Wrap(err, path)
	}
	sps := findSPS(aus)
	if sps == nil {
		return errors.Wrapf(media.ErrInvalidConfig, "%s: no sps", path)
	}
	info, err := parseSPS(sps)
	if err != nil {
		d.Logger().Warn("unreadable sps, assuming defaults", zap.String("path", path), zap.Error(err))
		info = streamInfo{frameRate: defaultFrameRate}
	}

	units := make([][]byte, 0, len(aus))
	keyframe := make([]bool, 0, len(aus))
	maxSize := 0
	for _, au := range aus {
		data, err := marshalAnnexB(au.nalus)
		if err != nil {
			return errors.Wrapf(media.ErrInvalidConfig, "%s: %v", path, err)
		}
		units = append(units, data)
		keyframe = append(keyframe, au.idr)
		if len(data) > maxSize {
			maxSize = len(data)
		}
	}

	frameUs := int64(1_000_000 / info.frameRate)
	duration := int64(len(units)) * frameUs
	d.setDuration(duration)
	d.addTrack(media.NewMetadata().
		Set(media.KeyTrackType, media.TrackVideo).
		Set(media.KeyCodecID, media.CodecH264).
		SetInt(media.KeyWidth, int64(info.width)).
		SetInt(media.KeyHeight, int64(info.height)).
		SetInt(media.KeyFrameRate, int64(info.frameRate)).
		SetInt(media.KeyStreamTime, duration))

	if err := d.usePool("h264-demux", maxSize); err != nil {
		return err
	}

	d.umu.Lock()
	d.units = units
	d.keyframe = keyframe
	d.frameUs = frameUs
	d.next = 0
	d.umu.Unlock()

	d.SetFormat(pipeline.PortInput, meta)
	d.SetState(pipeline.StateInitialized)
	d.Logger().Info("h264 opened",
		zap.String("path", path),
		zap.Int("width", info.width),
		zap.Int("height", info.height),
		zap.Int("fps", info.frameRate),
		zap.Int("frames", len(units)))
	return nil
}

func (d *H264Demuxer) RunCommand(cmd pipeline.Command, opts media.Metadata) error {
	return d.Dispatch(d, cmd, opts)
}

func (d *H264Demuxer) Step(ctx context.Context) error {
	if d.atEOS() {
		return media.ErrEndOfStream
	}

	d.umu.Lock()
	if d.next >= len(d.units) {
		d.umu.Unlock()
		d.queueEOS()
		return nil
	}
	idx, gen := d.next, d.gen
	data := d.units[idx]
	d.umu.Unlock()

	buf, err := d.pool.AcquireBuffer(true, len(data))
	if err != nil {
		return err
	}
	if err := buf.Write(data); err != nil {
		buf.Release()
		return err
	}

	d.umu.Lock()
	defer d.umu.Unlock()
	if gen != d.gen {
		buf.Release()
		return nil
	}
	buf.SetPTS(int64(idx) * d.frameUs)
	if d.keyframe[idx] {
		buf.Meta().SetBool(media.KeyKeyframe, true)
	}
	d.next++
	d.queuePacket(media.TrackVideo, buf)
	return nil
}

// OnSeek lands on the last keyframe at or before timeUs.
func (d *H264Demuxer) OnSeek(timeUs int64) error {
	d.umu.Lock()
	d.OnFlush()
	target := int(timeUs / d.frameUs)
	if target >= len(d.units) {
		target = len(d.units)
	}
	for target > 0 && target < len(d.units) && !d.keyframe[target] {
		target--
	}
	d.next = target
	d.gen++
	d.umu.Unlock()
	d.rearm()
	return nil
}
