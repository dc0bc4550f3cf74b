package elements

import (
	"context"
	"os"
	"sort"
	"sync"

	"github.com/at-wat/ebml-go"
	"github.com/at-wat/ebml-go/webm"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/realtime-ai/nodeplayer/pkg/media"
	"github.com/realtime-ai/nodeplayer/pkg/pipeline"
)

const (
	webmTrackVideo = 1
	webmTrackAudio = 2
	// Matroska default: timecodes count milliseconds.
	webmDefaultTimecodeScale = 1_000_000
)

var webmCodecs = map[string]media.CodecID{
	"A_OPUS":          media.CodecOpus,
	"A_PCM/INT/LIT":   media.CodecPCMS16LE,
	"V_MPEG4/ISO/AVC": media.CodecH264,
	"V_UNCOMPRESSED":  media.CodecRawVideo,
}

type webmPacket struct {
	track media.TrackType
	index int
	pts   int64
	data  []byte
}

// WebMDemuxer loads a WebM file and replays its SimpleBlocks in timestamp
// order. Laced blocks yield one packet per lace.
type WebMDemuxer struct {
	demuxCore

	pmu     sync.Mutex
	packets []webmPacket
	next    int
	gen     int
}

func NewWebMDemuxer(stub *pipeline.Stub, opts Options) *WebMDemuxer {
	return &WebMDemuxer{demuxCore: newDemuxCore(stub, opts)}
}

func (d *WebMDemuxer) Init(meta media.Metadata) error {
	path, err := uriOf(meta)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(media.ErrNullSource, "open %s: %v", path, err)
	}
	defer f.Close()

	var doc struct {
		Header  webm.EBMLHeader `ebml:"EBML"`
		Segment webm.Segment    `ebml:"Segment"`
	}
	if err := ebml.Unmarshal(f, &doc); err != nil {
		return errors.Wrapf(media.ErrInvalidConfig, "webm %s: %v", path, err)
	}
	if doc.Header.DocType != "webm" && doc.Header.DocType != "matroska" {
		return errors.Wrapf(media.ErrInvalidConfig, "webm %s: doc type %q", path, doc.Header.DocType)
	}

	// track number -> (type, per-type index)
	type trackRef struct {
		track media.TrackType
		index int
	}
	refs := make(map[uint64]trackRef)
	for _, entry := range doc.Segment.Tracks.TrackEntry {
		tm, ok := webmTrackMeta(entry)
		if !ok {
			d.Logger().Debug("skip webm track", zap.Uint64("number", entry.TrackNumber), zap.String("codec", entry.CodecID))
			continue
		}
		refs[entry.TrackNumber] = trackRef{track: tm.TrackType(), index: d.addTrack(tm)}
	}
	if len(refs) == 0 {
		return errors.Wrapf(media.ErrUnsupported, "webm %s: no playable track", path)
	}

	scale := doc.Segment.Info.TimecodeScale
	if scale == 0 {
		scale = webmDefaultTimecodeScale
	}
	maxSize := 0
	var packets []webmPacket
	var last int64
	for _, cluster := range doc.Segment.Cluster {
		for _, block := range cluster.SimpleBlock {
			ref, ok := refs[block.TrackNumber]
			if !ok {
				continue
			}
			tc := int64(cluster.Timecode) + int64(block.Timecode)
			pts := tc * int64(scale) / 1000
			for _, lace := range block.Data {
				packets = append(packets, webmPacket{track: ref.track, index: ref.index, pts: pts, data: lace})
				if len(lace) > maxSize {
					maxSize = len(lace)
				}
			}
			if pts > last {
				last = pts
			}
		}
	}
	sort.SliceStable(packets, func(i, j int) bool { return packets[i].pts < packets[j].pts })

	duration := int64(doc.Segment.Info.Duration * float64(scale) / 1000)
	if duration <= 0 {
		duration = last
	}
	d.setDuration(duration)

	if maxSize == 0 {
		maxSize = 1
	}
	if err := d.usePool("webm-demux", maxSize); err != nil {
		return err
	}

	d.pmu.Lock()
	d.packets = packets
	d.next = 0
	d.pmu.Unlock()

	d.SetFormat(pipeline.PortInput, meta)
	d.SetState(pipeline.StateInitialized)
	d.Logger().Info("webm opened",
		zap.String("path", path),
		zap.Int("tracks", len(refs)),
		zap.Int("packets", len(packets)),
		zap.Int64("duration_us", duration))
	return nil
}

func webmTrackMeta(entry webm.TrackEntry) (media.Metadata, bool) {
	codec, ok := webmCodecs[entry.CodecID]
	if !ok {
		return nil, false
	}
	meta := media.NewMetadata().Set(media.KeyCodecID, codec)
	switch entry.TrackType {
	case webmTrackAudio:
		meta.Set(media.KeyTrackType, media.TrackAudio)
		if a := entry.Audio; a != nil {
			meta.SetInt(media.KeySampleRate, int64(a.SamplingFrequency))
			meta.SetInt(media.KeyChannels, int64(a.Channels))
		}
	case webmTrackVideo:
		meta.Set(media.KeyTrackType, media.TrackVideo)
		if v := entry.Video; v != nil {
			meta.SetInt(media.KeyWidth, int64(v.PixelWidth))
			meta.SetInt(media.KeyHeight, int64(v.PixelHeight))
		}
	default:
		return nil, false
	}
	if entry.DefaultDuration > 0 && entry.TrackType == webmTrackVideo {
		meta.SetInt(media.KeyFrameRate, int64(1_000_000_000/entry.DefaultDuration))
	}
	return meta, true
}

func (d *WebMDemuxer) RunCommand(cmd pipeline.Command, opts media.Metadata) error {
	return d.Dispatch(d, cmd, opts)
}

func (d *WebMDemuxer) Step(ctx context.Context) error {
	if d.atEOS() {
		return media.ErrEndOfStream
	}

	d.pmu.Lock()
	for d.next < len(d.packets) && !d.selected(d.packets[d.next].track, d.packets[d.next].index) {
		d.next++
	}
	if d.next >= len(d.packets) {
		d.pmu.Unlock()
		d.queueEOS()
		return nil
	}
	pkt := d.packets[d.next]
	gen := d.gen
	d.pmu.Unlock()

	buf, err := d.pool.AcquireBuffer(true, len(pkt.data))
	if err != nil {
		return err
	}
	if err := buf.Write(pkt.data); err != nil {
		buf.Release()
		return err
	}
	buf.SetPTS(pkt.pts)

	d.pmu.Lock()
	if gen != d.gen {
		d.pmu.Unlock()
		buf.Release()
		return nil
	}
	d.next++
	d.queuePacket(pkt.track, buf)
	d.pmu.Unlock()
	return nil
}

// OnSeek moves to the first packet at or after timeUs.
func (d *WebMDemuxer) OnSeek(timeUs int64) error {
	d.pmu.Lock()
	d.OnFlush()
	d.next = sort.Search(len(d.packets), func(i int) bool { return d.packets[i].pts >= timeUs })
	d.gen++
	d.pmu.Unlock()
	d.rearm()
	return nil
}
