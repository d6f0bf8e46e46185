// Package observer holds the built-in observers, which watch the system
// under test independently of parameter updates.
package observer

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/inference-sim/perfdriver/driver"
	"github.com/inference-sim/perfdriver/driver/config"
	"github.com/inference-sim/perfdriver/driver/internal/webclient"
	"github.com/inference-sim/perfdriver/driver/registry"
)

// DefaultPollInterval is used when interval is not set.
const DefaultPollInterval = time.Second

type httpPollConfig struct {
	webclient.Request `yaml:",inline"`
	Interval          config.Duration `yaml:"interval"`
	Timeout           config.Duration `yaml:"timeout"`
	// ChangesOnly suppresses responses identical to the previous one.
	ChangesOnly bool `yaml:"changes_only"`
}

// httpPoll requests a URL every interval and posts each response. Events
// carry no trace of their own, so the loop files them under the latest
// parameter update.
type httpPoll struct {
	name   string
	cfg    httpPollConfig
	env    *registry.Env
	client *webclient.Client
	log    *logrus.Entry
}

func newHTTPPoll(spec config.ComponentSpec, env *registry.Env) (registry.Observer, error) {
	var cfg httpPollConfig
	if err := spec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Interval <= 0 {
		cfg.Interval = config.Duration(DefaultPollInterval)
	}
	return &httpPoll{
		name:   spec.Label(),
		cfg:    cfg,
		env:    env,
		client: webclient.New(cfg.Timeout.Std()),
		log:    logrus.WithField("observer", spec.Label()),
	}, nil
}

// Start polls until ctx is done.
func (o *httpPoll) Start(ctx context.Context, pub driver.Publisher) error {
	limiter := rate.NewLimiter(rate.Every(o.cfg.Interval.Std()), 1)
	o.log.Infof("polling %s every %v", o.cfg.URL, o.cfg.Interval.Std())
	var last *webclient.Response
	for {
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		req, err := o.cfg.Render(o.env.Scope(nil))
		if err != nil {
			return err
		}
		resp, err := o.client.Do(ctx, req)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			o.log.Debugf("poll failed: %v", err)
			last = nil
			pub.Post(&driver.ErrorEvent{Source: o.name, Message: err.Error()})
			continue
		}
		if o.cfg.ChangesOnly && last != nil && last.Status == resp.Status && last.Body == resp.Body {
			continue
		}
		last = resp
		pub.Post(resp.Event(o.name))
	}
}
