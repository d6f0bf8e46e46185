package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/inference-sim/perfdriver/driver"
	"github.com/inference-sim/perfdriver/driver/config"
	"github.com/inference-sim/perfdriver/driver/internal/webclient"
	"github.com/inference-sim/perfdriver/driver/registry"
)

type httpConfig struct {
	webclient.Request `yaml:",inline"`
	// Repeat sends the request this many times per update.
	Repeat int `yaml:"repeat"`
	// Rate caps requests per second when repeating. Zero is unlimited.
	Rate    float64         `yaml:"rate"`
	Timeout config.Duration `yaml:"timeout"`
}

// httpChannel sends one rendered request per parameter update.
type httpChannel struct {
	name   string
	cfg    httpConfig
	client *webclient.Client
	log    *logrus.Entry
}

func newHTTP(spec config.ComponentSpec, _ *registry.Env) (registry.Channel, error) {
	var cfg httpConfig
	if err := spec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Repeat < 0 {
		return nil, fmt.Errorf("repeat must not be negative, got %d", cfg.Repeat)
	}
	if cfg.Repeat == 0 {
		cfg.Repeat = 1
	}
	if cfg.Rate < 0 {
		return nil, fmt.Errorf("rate must not be negative, got %v", cfg.Rate)
	}
	return &httpChannel{
		name:   spec.Label(),
		cfg:    cfg,
		client: webclient.New(cfg.Timeout.Std()),
		log:    logrus.WithField("channel", spec.Label()),
	}, nil
}

func (c *httpChannel) Apply(ctx context.Context, snap registry.Snapshot, pub driver.Publisher) error {
	req, err := c.cfg.Render(snap.Scope)
	if err != nil {
		return err
	}
	limit := rate.Inf
	if c.cfg.Rate > 0 {
		limit = rate.Limit(c.cfg.Rate)
	}
	limiter := rate.NewLimiter(limit, 1)

	for i := 0; i < c.cfg.Repeat; i++ {
		if err := limiter.Wait(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		c.log.Debugf("%s %s", req.Method, req.URL)
		resp, err := c.client.Do(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warnf("request failed: %v", err)
			ev := &driver.ErrorEvent{Source: c.name, Message: err.Error()}
			ev.SetTraces(snap.Traces)
			pub.Post(ev)
			continue
		}
		ev := resp.Event(c.name)
		ev.SetTraces(snap.Traces)
		pub.Post(ev)
	}
	return nil
}
