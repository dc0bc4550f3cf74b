// Package config loads runtime settings from defaults, an optional YAML file
// and NODEPLAYER_ environment variables.
package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/realtime-ai/nodeplayer/pkg/elements"
	"github.com/realtime-ai/nodeplayer/pkg/pipeline"
	"github.com/realtime-ai/nodeplayer/pkg/player"
)

const (
	appName   = "nodeplayer"
	envPrefix = "NODEPLAYER"
)

type Log struct {
	Level  string
	Format string
}

type Player struct {
	SeekMargin       time.Duration
	DeliveryInterval time.Duration
	WaitTimeout      time.Duration
}

type Stage struct {
	PollInterval      time.Duration
	DemuxPollInterval time.Duration
}

type Decoder struct {
	InputBuffers    int
	OutputBuffers   int
	AudioFrameBytes int
}

type Server struct {
	Addr     string
	STUNURLs []string
}

type Config struct {
	Log       Log
	Player    Player
	Stage     Stage
	Decoder   Decoder
	UserAgent string
	Realtime  bool
	Server    Server

	// File is the config file that was read, empty when none was found.
	File string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("player.seek_margin", player.DefaultSeekMargin)
	v.SetDefault("player.delivery_interval", player.DefaultDeliveryInterval)
	v.SetDefault("player.wait_timeout", time.Duration(0))
	v.SetDefault("stage.poll_interval", pipeline.DefaultPollInterval)
	v.SetDefault("stage.demux_poll_interval", elements.DefaultDemuxPollInterval)
	v.SetDefault("decoder.input_buffers", elements.DefaultInputBuffers)
	v.SetDefault("decoder.output_buffers", elements.DefaultOutputBuffers)
	v.SetDefault("decoder.audio_frame_bytes", elements.DefaultAudioFrameBytes)
	v.SetDefault("source.user_agent", "nodeplayer")
	v.SetDefault("sink.realtime", false)
	v.SetDefault("server.addr", ":8280")
	v.SetDefault("server.stun_urls", []string{"stun:stun.l.google.com:19302"})
}

// New returns a viper instance with defaults, env binding and the config
// search path set up. file, when not empty, replaces the search path.
func New(file string) *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		return v
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, dir := range []string{".", filepath.Join(xdg.ConfigHome, appName), filepath.Join("/etc", appName)} {
		v.AddConfigPath(dir)
	}
	return v
}

// Load reads the config file if there is one and decodes every key.
func Load(file string) (*Config, error) {
	return FromViper(New(file))
}

func FromViper(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}

	cfg := &Config{
		Log: Log{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Player: Player{
			SeekMargin:       v.GetDuration("player.seek_margin"),
			DeliveryInterval: v.GetDuration("player.delivery_interval"),
			WaitTimeout:      v.GetDuration("player.wait_timeout"),
		},
		Stage: Stage{
			PollInterval:      v.GetDuration("stage.poll_interval"),
			DemuxPollInterval: v.GetDuration("stage.demux_poll_interval"),
		},
		Decoder: Decoder{
			InputBuffers:    v.GetInt("decoder.input_buffers"),
			OutputBuffers:   v.GetInt("decoder.output_buffers"),
			AudioFrameBytes: v.GetInt("decoder.audio_frame_bytes"),
		},
		UserAgent: v.GetString("source.user_agent"),
		Realtime:  v.GetBool("sink.realtime"),
		Server: Server{
			Addr:     v.GetString("server.addr"),
			STUNURLs: v.GetStringSlice("server.stun_urls"),
		},
		File: v.ConfigFileUsed(),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Player.SeekMargin < 0:
		return errors.Errorf("player.seek_margin must not be negative: %s", c.Player.SeekMargin)
	case c.Stage.PollInterval <= 0 || c.Stage.DemuxPollInterval <= 0:
		return errors.New("stage poll intervals must be positive")
	case c.Decoder.InputBuffers <= 0 || c.Decoder.OutputBuffers <= 0:
		return errors.New("decoder buffer counts must be positive")
	case c.Decoder.AudioFrameBytes <= 0:
		return errors.New("decoder.audio_frame_bytes must be positive")
	}
	return nil
}

// ElementOptions maps the stage and decoder keys onto elements.Options.
// Logger and Renderers are left for the caller.
func (c *Config) ElementOptions() elements.Options {
	return elements.Options{
		PollInterval:      c.Stage.PollInterval,
		DemuxPollInterval: c.Stage.DemuxPollInterval,
		InputBuffers:      c.Decoder.InputBuffers,
		OutputBuffers:     c.Decoder.OutputBuffers,
		AudioFrameBytes:   c.Decoder.AudioFrameBytes,
		Realtime:          c.Realtime,
	}
}

func (c *Config) PlayerOptions() player.Options {
	return player.Options{
		SeekMargin:       c.Player.SeekMargin,
		DeliveryInterval: c.Player.DeliveryInterval,
		UserAgent:        c.UserAgent,
	}
}
