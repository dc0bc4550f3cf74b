package player

import (
	"github.com/pkg/errors"

	"github.com/realtime-ai/nodeplayer/pkg/media"
	"github.com/realtime-ai/nodeplayer/pkg/pipeline"
)

// WriteData feeds raw samples to the audio line of a pcm:// source. The data
// is copied. An empty write marks end of stream.
func (c *Controller) WriteData(data []byte, ptsUs int64) error {
	if c.Protocol() != ProtocolPCM {
		return errors.Wrap(media.ErrUnsupported, "write data needs a pcm:// source")
	}
	switch c.State() {
	case StatePrepared, StateStarted, StatePaused:
	default:
		return errors.Wrapf(media.ErrNotRunning, "write data in state %s", c.State())
	}

	var buf *media.Buffer
	if len(data) == 0 {
		buf = media.NewEOSBuffer(media.TrackAudio)
	} else {
		payload := make([]byte, len(data))
		copy(payload, data)
		buf = media.WrapBuffer(payload)
		buf.AddRef()
		buf.Meta().SetInt(media.KeyTrackType, int64(media.TrackAudio))
		if ptsUs >= 0 {
			buf.SetPTS(ptsUs)
		}
	}

	var err error
	c.registry.View(func(v *pipeline.View) {
		head := v.Head(pipeline.LineAudio)
		if head == nil {
			err = errors.Wrap(media.ErrNullSource, "no audio chain")
			return
		}
		err = head.PushBuffer(buf, pipeline.PortInput)
	})
	if err != nil {
		buf.Release()
	}
	return err
}
