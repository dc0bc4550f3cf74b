package elements

import (
	"context"
	"sync"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/realtime-ai/nodeplayer/pkg/media"
	"github.com/realtime-ai/nodeplayer/pkg/pipeline"
)

const defaultAccessUnitBytes = 1 << 20

func AcceptsH264(meta media.Metadata) bool {
	return meta.CodecID() == media.CodecH264
}

// H264Parser is the video decode stage for H.264. It does not reconstruct
// pixels: it normalises access units to Annex-B, drops pictures until the
// first IDR after a flush and follows resolution changes announced by SPS.
type H264Parser struct {
	*pipeline.BaseStage

	opts    Options
	pool    *media.BufferPool
	bufSize int

	mu       sync.Mutex
	info     streamInfo
	sps, pps []byte
	waitKey  bool
	dropped  int
}

func NewH264Parser(stub *pipeline.Stub, opts Options) *H264Parser {
	opts = opts.WithDefaults()
	return &H264Parser{BaseStage: pipeline.NewBaseStage(stub, opts.StageOptions()), opts: opts, waitKey: true}
}

func (p *H264Parser) Init(meta media.Metadata) error {
	if meta.TrackType() != media.TrackVideo {
		return errors.Wrapf(media.ErrInvalidConfig, "h264 parser: track %s", meta.TrackType())
	}
	if !AcceptsH264(meta) {
		return errors.Wrapf(media.ErrUnsupported, "h264 parser: codec %s", meta.CodecID())
	}
	p.info = streamInfo{
		width:     int(meta.IntOr(media.KeyWidth, 0)),
		height:    int(meta.IntOr(media.KeyHeight, 0)),
		frameRate: int(meta.IntOr(media.KeyFrameRate, defaultFrameRate)),
	}

	size := media.FrameSize(p.info.width, p.info.height)
	if size <= 0 {
		size = defaultAccessUnitBytes
	}
	pool, err := media.NewBufferPoolWith("h264-parse", p.opts.OutputBuffers, size, meta.Allocator(), p.Logger())
	if err != nil {
		return errors.Wrapf(media.ErrInitFailed, "h264 parser pool: %v", err)
	}
	p.pool = pool
	p.bufSize = size
	p.AddPool(pool)

	p.SetFormat(pipeline.PortInput, meta)
	p.SetFormat(pipeline.PortOutput, p.outputFormat(meta))
	p.SetState(pipeline.StateInitialized)
	return nil
}

func (p *H264Parser) outputFormat(base media.Metadata) media.Metadata {
	out := base.Clone()
	delete(out, media.KeyAllocator)
	out.Set(media.KeyCodecID, media.CodecH264)
	out.SetInt(media.KeyWidth, int64(p.info.width))
	out.SetInt(media.KeyHeight, int64(p.info.height))
	out.SetInt(media.KeyFrameRate, int64(p.info.frameRate))
	return out
}

func (p *H264Parser) RunCommand(cmd pipeline.Command, opts media.Metadata) error {
	return p.Dispatch(p, cmd, opts)
}

func (p *H264Parser) OnFlush() {
	p.mu.Lock()
	p.waitKey = true
	p.mu.Unlock()
}

// nalus splits an access unit in either Annex-B or length-prefixed form.
func nalus(data []byte) ([][]byte, error) {
	var annexB h264.AnnexB
	if err := annexB.Unmarshal(data); err == nil {
		return annexB, nil
	}
	var avcc h264.AVCC
	if err := avcc.Unmarshal(data); err != nil {
		return nil, errors.Wrapf(media.ErrBad, "access unit: %v", err)
	}
	return avcc, nil
}

func (p *H264Parser) Step(ctx context.Context) error {
	in, err := p.PullBuffer(pipeline.PortInput)
	if err != nil {
		return err
	}
	defer in.Release()

	if in.IsEOS() {
		p.ForwardEOS(media.TrackVideo)
		return nil
	}

	units, err := nalus(in.Data())
	if err != nil {
		p.Logger().Warn("drop access unit", zap.Error(err))
		return nil
	}

	idr := false
	for _, nalu := range units {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS:
			p.onSPS(nalu)
		case h264.NALUTypePPS:
			p.mu.Lock()
			p.pps = append(p.pps[:0], nalu...)
			p.mu.Unlock()
		case h264.NALUTypeIDR:
			idr = true
		}
	}

	p.mu.Lock()
	if p.waitKey && !idr {
		p.dropped++
		p.mu.Unlock()
		return nil
	}
	p.waitKey = false
	if idr && p.sps != nil && p.pps != nil && !containsType(units, h264.NALUTypeSPS) {
		units = append([][]byte{p.sps, p.pps}, units...)
	}
	p.mu.Unlock()

	data, err := h264.AnnexB(units).Marshal()
	if err != nil {
		return errors.Wrapf(media.ErrBad, "marshal access unit: %v", err)
	}
	if len(data) > p.bufSize {
		p.Logger().Warn("access unit exceeds frame buffer", zap.Int("size", len(data)), zap.Int("capacity", p.bufSize))
		return nil
	}
	out, err := p.pool.AcquireBuffer(true, len(data))
	if err != nil {
		return err
	}
	if err := out.Write(data); err != nil {
		out.Release()
		return err
	}
	out.SetPTS(in.PTS())
	out.Meta().SetInt(media.KeyTrackType, int64(media.TrackVideo))
	if idr {
		out.Meta().SetBool(media.KeyKeyframe, true)
	}
	p.Out().Push(out)
	return nil
}

func containsType(units [][]byte, t h264.NALUType) bool {
	for _, n := range units {
		if len(n) > 0 && h264.NALUType(n[0]&0x1F) == t {
			return true
		}
	}
	return false
}

func (p *H264Parser) onSPS(nalu []byte) {
	info, err := parseSPS(nalu)
	if err != nil {
		p.Logger().Warn("bad sps", zap.Error(err))
		return
	}
	p.mu.Lock()
	p.sps = append(p.sps[:0], nalu...)
	changed := info.width != p.info.width || info.height != p.info.height
	p.info = info
	var out media.Metadata
	if changed {
		out = p.outputFormat(p.QueryFormat(pipeline.PortOutput))
	}
	p.mu.Unlock()
	if changed {
		p.Logger().Info("resolution", zap.Int("width", info.width), zap.Int("height", info.height))
		p.SetFormat(pipeline.PortOutput, out)
	}
}

// Dropped counts access units discarded while waiting for a keyframe.
func (p *H264Parser) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}
