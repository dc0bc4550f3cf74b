package audio

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/pkg/errors"

	"github.com/realtime-ai/nodeplayer/pkg/utils"
)

const wavFormatPCM = 1

// Dumper writes 16-bit little endian PCM into a WAV file.
type Dumper struct {
	sampleRate int
	channels   int
	filename   string

	mu      sync.Mutex
	file    *os.File
	encoder *wav.Encoder
}

// NewDumper creates tag_<tag>_audio_<time>_<rate>Hz_<ch>ch.wav in the
// working directory.
func NewDumper(tag string, sampleRate, channels int) (*Dumper, error) {
	filename := fmt.Sprintf("tag_%s_audio_%s_%dHz_%dch.wav",
		tag,
		time.Now().Format("20060102_150405"),
		sampleRate,
		channels)
	return NewFileDumper(filename, sampleRate, channels)
}

func NewFileDumper(filename string, sampleRate, channels int) (*Dumper, error) {
	if sampleRate <= 0 || channels <= 0 {
		return nil, errors.Errorf("dumper: invalid format %d Hz %d ch", sampleRate, channels)
	}
	file, err := os.Create(filename)
	if err != nil {
		return nil, errors.Wrap(err, "create dump file")
	}
	return &Dumper{
		sampleRate: sampleRate,
		channels:   channels,
		filename:   filename,
		file:       file,
		encoder:    wav.NewEncoder(file, sampleRate, 16, channels, wavFormatPCM),
	}, nil
}

func (d *Dumper) Write(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.encoder == nil {
		return errors.New("dumper closed")
	}
	if len(data)%2 != 0 {
		return errors.Errorf("dumper: odd payload of %d bytes", len(data))
	}

	samples := utils.ByteSliceToInt16Slice(data)
	ints := make([]int, len(samples))
	for i, s := range samples {
		ints[i] = int(s)
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: d.channels, SampleRate: d.sampleRate},
		Data:           ints,
		SourceBitDepth: 16,
	}
	if err := d.encoder.Write(buf); err != nil {
		return errors.Wrap(err, "write samples")
	}
	return nil
}

// Close finalises the WAV header and closes the file.
func (d *Dumper) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.encoder == nil {
		return nil
	}
	err := d.encoder.Close()
	d.encoder = nil
	if cerr := d.file.Close(); err == nil {
		err = cerr
	}
	d.file = nil
	return errors.Wrap(err, "close dump file")
}

func (d *Dumper) GetFilename() string { return d.filename }

func (d *Dumper) GetSampleRate() int { return d.sampleRate }

func (d *Dumper) GetChannels() int { return d.channels }
