package observer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/perfdriver/driver"
	"github.com/inference-sim/perfdriver/driver/config"
	"github.com/inference-sim/perfdriver/driver/registry"
)

// TokenMatchEventName is the kind posted for every token a rule captures.
const TokenMatchEventName = "LogLineTokenMatchEvent"

// DefaultTailInterval is how often the file is checked for new lines when
// no change was notified.
const DefaultTailInterval = 250 * time.Millisecond

func init() {
	driver.RegisterEventKind(TokenMatchEventName, "name", "value", "source")
}

var ansiSequence = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)

type logLineConfig struct {
	File     string          `yaml:"file"`
	Kind     string          `yaml:"kind"`
	Interval config.Duration `yaml:"interval"`
	// FromStart reads the lines already in the file. Otherwise tailing
	// begins at its current end.
	FromStart bool       `yaml:"from_start"`
	Rules     []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	Match  string   `yaml:"match"`
	Regex  string   `yaml:"regex"`
	Groups []string `yaml:"groups"`
}

// lineRule captures named tokens from lines that match its filter.
type lineRule struct {
	match   *regexp.Regexp // nil matches every line
	extract *regexp.Regexp
	groups  []string
}

// logLine follows a file and posts a LogLineEvent per line, plus one
// token event per group captured by the rules.
type logLine struct {
	name  string
	cfg   logLineConfig
	env   *registry.Env
	rules []lineRule
	log   *logrus.Entry
}

func newLogLine(spec config.ComponentSpec, env *registry.Env) (registry.Observer, error) {
	var cfg logLineConfig
	if err := spec.Decode(&cfg); err != nil {
		return nil, err
	}
	if cfg.File == "" {
		return nil, errors.New("file is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = config.Duration(DefaultTailInterval)
	}
	o := &logLine{name: spec.Label(), cfg: cfg, env: env, log: logrus.WithField("observer", spec.Label())}
	for i, r := range cfg.Rules {
		field := fmt.Sprintf("rules[%d]", i)
		var rule lineRule
		var err error
		if r.Match != "" {
			if rule.match, err = regexp.Compile(r.Match); err != nil {
				return nil, fmt.Errorf("%s.match: %w", field, err)
			}
		}
		if rule.extract, err = regexp.Compile(r.Regex); err != nil {
			return nil, fmt.Errorf("%s.regex: %w", field, err)
		}
		if n := rule.extract.NumSubexp(); n != len(r.Groups) {
			return nil, fmt.Errorf("%s: regex captures %d group(s) but %d name(s) are given", field, n, len(r.Groups))
		}
		rule.groups = r.Groups
		o.rules = append(o.rules, rule)
	}
	return o, nil
}

// tail is the read position in the followed file.
type tail struct {
	path    string
	f       *os.File
	rd      *bufio.Reader
	offset  int64
	partial strings.Builder
}

func (t *tail) close() {
	if t.f != nil {
		_ = t.f.Close()
		t.f = nil
	}
	t.offset = 0
	t.partial.Reset()
}

// open starts following the file, at its end unless fromStart. It reports
// false while the file does not exist.
func (t *tail) open(fromStart bool) (bool, error) {
	f, err := os.Open(t.path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !fromStart {
		if t.offset, err = f.Seek(0, io.SeekEnd); err != nil {
			_ = f.Close()
			return false, err
		}
	}
	t.f = f
	t.rd = bufio.NewReader(f)
	return true, nil
}

// read calls line for every complete line written since the last call.
// A file that shrank is read again from the start.
func (t *tail) read(line func(string)) error {
	if info, err := t.f.Stat(); err == nil && info.Size() < t.offset {
		if _, err := t.f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		t.offset = 0
		t.rd.Reset(t.f)
		t.partial.Reset()
	}
	for {
		chunk, err := t.rd.ReadString('\n')
		t.offset += int64(len(chunk))
		t.partial.WriteString(chunk)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", t.path, err)
		}
		line(strings.TrimRight(t.partial.String(), "\r\n"))
		t.partial.Reset()
	}
}

// Start follows the file until ctx is done. The directory is watched so
// that a file created, rotated or removed later is picked up. The interval
// is a fallback for filesystems that deliver no notifications.
func (o *logLine) Start(ctx context.Context, pub driver.Publisher) error {
	path, err := o.env.Scope(nil).Render(o.cfg.File)
	if err != nil {
		return fmt.Errorf("file: %w", err)
	}
	path = filepath.Clean(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(path), err)
	}
	o.log.Infof("tailing %s", path)

	t := &tail{path: path}
	defer t.close()
	// Lines of a file that appears later are all new.
	fromStart := o.cfg.FromStart
	poll := func() error {
		if t.f == nil {
			ok, err := t.open(fromStart)
			if err != nil {
				return err
			}
			fromStart = true
			if !ok {
				return nil
			}
		}
		return t.read(func(line string) { o.emit(pub, line) })
	}
	if err := poll(); err != nil {
		return err
	}

	ticker := time.NewTicker(o.cfg.Interval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				o.log.Debugf("%s was moved away", path)
				if t.f != nil {
					if err := t.read(func(line string) { o.emit(pub, line) }); err != nil {
						return err
					}
				}
				t.close()
				continue
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			o.log.Warnf("watching %s: %v", path, err)
			continue
		case <-ticker.C:
		}
		if err := poll(); err != nil {
			return err
		}
	}
}

func (o *logLine) emit(pub driver.Publisher, line string) {
	line = ansiSequence.ReplaceAllString(line, "")
	pub.Post(&driver.LogLineEvent{Line: line, Source: o.name, Kind: o.cfg.Kind})
	if line == "" {
		return
	}
	for _, r := range o.rules {
		if r.match != nil && !r.match.MatchString(line) {
			continue
		}
		m := r.extract.FindStringSubmatch(line)
		if m == nil {
			o.log.Warnf("line passed the match but not the regex: %q", line)
			continue
		}
		for i, name := range r.groups {
			o.log.Debugf("token %s=%s", name, m[i+1])
			pub.Post(driver.NewDomainEvent(TokenMatchEventName, map[string]any{
				"name": name, "value": m[i+1], "source": o.name,
			}))
		}
	}
}
