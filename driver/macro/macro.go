// Package macro renders {{...}} macros in component configuration values.
//
// Supported forms:
//
//	{{name}}            parameter or definition value, "" when undefined
//	{{name|default}}    value, or default when undefined
//	{{meta:name}}       session metadata
//	{{uuid()}}          a random UUID, stable within one scope
//	{{date(fmt)}}       the scope time formatted with strftime
//	{{safepath(expr)}}  an expression result made safe for file names
//	{{eval(expr)}}      an expression over parameters and definitions
//
// Parameters take precedence over command-line definitions, which take
// precedence over definitions from the configuration file.
package macro

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"
	"github.com/ncruces/go-strftime"
	"gopkg.in/yaml.v3"

	"github.com/inference-sim/perfdriver/driver"
)

var (
	macroRE = regexp.MustCompile(`\{\{\s*(.+?)\s*\}\}`)
	callRE  = regexp.MustCompile(`^([A-Za-z_]\w*)\((.*)\)$`)
	identRE = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)
	unsafe  = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
)

// Definitions are the user-provided values that are not parameters.
type Definitions struct {
	File driver.Values
	CLI  driver.Values
}

// Merged returns the definitions with command-line values winning.
func (d Definitions) Merged() driver.Values {
	out := d.File.Clone()
	for k, v := range d.CLI {
		out[k] = v
	}
	return out
}

// Scope is the value environment of one parameter batch. Function results
// are computed once per scope so every component rendering the same batch
// sees the same uuid() or date(). A Scope is safe for concurrent use.
type Scope struct {
	env  driver.Values
	meta driver.Values
	now  time.Time

	mu   sync.Mutex
	memo map[string]any
}

// NewScope builds the scope of one batch.
func NewScope(params driver.Values, defs Definitions, meta driver.Values) *Scope {
	env := defs.Merged()
	for k, v := range params {
		env[k] = v
	}
	return &Scope{env: env, meta: meta.Clone(), now: time.Now(), memo: map[string]any{}}
}

// WithTime fixes the scope time used by date().
func (s *Scope) WithTime(t time.Time) *Scope {
	s.now = t
	return s
}

// Lookup resolves a name with parameter precedence.
func (s *Scope) Lookup(name string) (driver.Scalar, bool) {
	v, ok := s.env[name]
	return v, ok
}

// Env returns a copy of the merged value environment.
func (s *Scope) Env() map[string]any {
	out := make(map[string]any, len(s.env))
	for k, v := range s.env {
		out[k] = v
	}
	return out
}

// Render substitutes every macro in tmpl.
func (s *Scope) Render(tmpl string) (string, error) {
	var firstErr error
	out := macroRE.ReplaceAllStringFunc(tmpl, func(m string) string {
		body := macroRE.FindStringSubmatch(m)[1]
		v, err := s.resolve(body)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return driver.FormatScalar(v)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// Value renders tmpl, keeping the type of the value when tmpl is exactly
// one macro. "{{instances}}" thus yields an int where Render gives "2".
func (s *Scope) Value(tmpl string) (any, error) {
	trimmed := strings.TrimSpace(tmpl)
	if loc := macroRE.FindStringSubmatchIndex(trimmed); loc != nil && loc[0] == 0 && loc[1] == len(trimmed) {
		return s.resolve(trimmed[loc[2]:loc[3]])
	}
	return s.Render(tmpl)
}

// RenderMap renders every value of m.
func (s *Scope) RenderMap(m map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(m))
	for k, v := range m {
		r, err := s.Render(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = r
	}
	return out, nil
}

func (s *Scope) resolve(body string) (any, error) {
	if name, ok := strings.CutPrefix(body, "meta:"); ok {
		return s.meta[strings.TrimSpace(name)], nil
	}
	if call := callRE.FindStringSubmatch(body); call != nil {
		return s.call(body, call[1], strings.TrimSpace(call[2]))
	}
	name, def, hasDefault := strings.Cut(body, "|")
	name = strings.TrimSpace(name)
	if v, ok := s.env[name]; ok {
		return v, nil
	}
	if hasDefault {
		return strings.TrimSpace(def), nil
	}
	return "", nil
}

func (s *Scope) call(key, fn, arg string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.memo[key]; ok {
		return v, nil
	}
	var (
		v   any
		err error
	)
	switch fn {
	case "uuid":
		v = uuid.NewString()
	case "date":
		v = strftime.Format(unquote(arg), s.now)
	case "eval":
		v, err = expr.Eval(arg, s.Env())
	case "safepath":
		var raw any
		raw, err = expr.Eval(arg, s.Env())
		if err == nil {
			v = strings.Trim(unsafe.ReplaceAllString(driver.FormatScalar(raw), "-"), "-")
		}
	default:
		err = fmt.Errorf("unknown macro function %q", fn)
	}
	if err != nil {
		return nil, fmt.Errorf("macro {{%s}}: %w", key, err)
	}
	s.memo[key] = v
	return v, nil
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

// References returns the value names a template refers to, sorted. Names
// inside eval() and safepath() expressions are included; meta lookups and
// function names are not.
func References(tmpl string) []string {
	set := map[string]bool{}
	collect(tmpl, set)
	return sorted(set)
}

// NodeReferences walks every scalar of a YAML tree.
func NodeReferences(n *yaml.Node) []string {
	set := map[string]bool{}
	var walk func(*yaml.Node)
	walk = func(n *yaml.Node) {
		if n == nil {
			return
		}
		if n.Kind == yaml.ScalarNode {
			collect(n.Value, set)
		}
		for _, c := range n.Content {
			walk(c)
		}
	}
	walk(n)
	return sorted(set)
}

func collect(tmpl string, set map[string]bool) {
	for _, m := range macroRE.FindAllStringSubmatch(tmpl, -1) {
		body := m[1]
		if strings.HasPrefix(body, "meta:") {
			continue
		}
		if call := callRE.FindStringSubmatch(body); call != nil {
			if call[1] == "eval" || call[1] == "safepath" {
				for _, id := range identRE.FindAllString(stripStrings(call[2]), -1) {
					set[id] = true
				}
			}
			continue
		}
		name, _, _ := strings.Cut(body, "|")
		set[strings.TrimSpace(name)] = true
	}
}

// stripStrings blanks quoted literals so their words are not taken for
// identifiers.
func stripStrings(s string) string {
	var b strings.Builder
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0 && c == quote:
			quote = 0
			b.WriteByte(' ')
		case quote != 0:
			b.WriteByte(' ')
		case c == '\'' || c == '"':
			quote = c
			b.WriteByte(' ')
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func sorted(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
