package elements

import (
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/pkg/errors"

	"github.com/realtime-ai/nodeplayer/pkg/media"
)

const defaultFrameRate = 25

// accessUnit is one coded picture with the parameter sets and SEI that
// precede it.
type accessUnit struct {
	nalus [][]byte
	idr   bool
}

func isVCL(t h264.NALUType) bool {
	return t == h264.NALUTypeNonIDR || t == h264.NALUTypeIDR
}

// splitAccessUnits groups an Annex-B stream into access units. A unit ends
// at its slice NALU or at an access unit delimiter.
func splitAccessUnits(stream []byte) ([]accessUnit, error) {
	var annexB h264.AnnexB
	if err := annexB.Unmarshal(stream); err != nil {
		return nil, errors.Wrapf(media.ErrInvalidConfig, "annex-b: %v", err)
	}

	var units []accessUnit
	var cur accessUnit
	for _, nalu := range annexB {
		if len(nalu) == 0 {
			continue
		}
		typ := h264.NALUType(nalu[0] & 0x1F)
		if typ == h264.NALUTypeAccessUnitDelimiter {
			if len(cur.nalus) > 0 {
				units = append(units, cur)
				cur = accessUnit{}
			}
			continue
		}
		cur.nalus = append(cur.nalus, nalu)
		if isVCL(typ) {
			cur.idr = typ == h264.NALUTypeIDR
			units = append(units, cur)
			cur = accessUnit{}
		}
	}
	if len(cur.nalus) > 0 {
		units = append(units, cur)
	}
	return units, nil
}

// streamInfo is what the first SPS of a stream says about it.
type streamInfo struct {
	width, height int
	frameRate     int
}

func parseSPS(nalu []byte) (streamInfo, error) {
	var sps h264.SPS
	if err := sps.Unmarshal(nalu); err != nil {
		return streamInfo{}, errors.Wrapf(media.ErrInvalidConfig, "sps: %v", err)
	}
	info := streamInfo{width: sps.Width(), height: sps.Height(), frameRate: int(sps.FPS() + 0.5)}
	if info.frameRate <= 0 {
		info.frameRate = defaultFrameRate
	}
	return info, nil
}

func findSPS(units []accessUnit) []byte {
	for _, au := range units {
		for _, nalu := range au.nalus {
			if h264.NALUType(nalu[0]&0x1F) == h264.NALUTypeSPS {
				return nalu
			}
		}
	}
	return nil
}

func marshalAnnexB(nalus [][]byte) ([]byte, error) {
	return h264.AnnexB(nalus).Marshal()
}
