package player

import (
	"time"

	"github.com/realtime-ai/nodeplayer/pkg/pipeline"
	"go.uber.org/zap"
)

const (
	DefaultSeekMargin       = 500 * time.Millisecond
	DefaultDeliveryInterval = 2 * time.Millisecond
)

type Options struct {
	Logger   *zap.Logger
	Registry *pipeline.Registry
	// SeekMargin is the distance from the current position under which a
	// seek is dropped.
	SeekMargin time.Duration
	// DeliveryInterval is the delivery goroutine's idle backoff.
	DeliveryInterval time.Duration
	UserAgent        string
}

func (o *Options) withDefaults() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.SeekMargin <= 0 {
		o.SeekMargin = DefaultSeekMargin
	}
	if o.DeliveryInterval <= 0 {
		o.DeliveryInterval = DefaultDeliveryInterval
	}
	if o.Registry == nil {
		o.Registry = pipeline.NewRegistry(pipeline.RegistryOptions{
			Logger:    o.Logger,
			UserAgent: o.UserAgent,
		})
	}
}
