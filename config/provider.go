package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider reads values from the raw configuration tree by (section, key).
// Sections are dotted paths such as "exchanges.binance.options". The
// environment variable CRYPTOFEED_<SECTION>_<KEY> (dots replaced by
// underscores, upper-cased) takes precedence over the file.
type Provider struct {
	root map[string]interface{}
}

// NewProvider parses YAML into a Provider.
func NewProvider(data []byte) (*Provider, error) {
	root := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	return &Provider{root: root}, nil
}

// Section is a view of one section of the tree.
type Section struct {
	provider *Provider
	name     string
}

func (p *Provider) Section(name string) Section {
	return Section{provider: p, name: name}
}

func envName(section, key string) string {
	name := "CRYPTOFEED_" + section + "_" + key
	name = strings.NewReplacer(".", "_", "-", "_").Replace(name)
	return strings.ToUpper(name)
}

func (p *Provider) lookup(section, key string) (interface{}, bool) {
	if v, ok := os.LookupEnv(envName(section, key)); ok {
		return v, true
	}
	var node interface{} = p.root
	path := strings.Split(section, ".")
	if section == "" {
		path = nil
	}
	for _, part := range append(path, key) {
		m, ok := node.(map[string]interface{})
		if !ok {
			return nil, false
		}
		node, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return node, true
}

// Has reports whether a value is present in the environment or the file.
func (p *Provider) Has(section, key string) bool {
	_, ok := p.lookup(section, key)
	return ok
}

func (p *Provider) String(section, key, def string) string {
	v, ok := p.lookup(section, key)
	if !ok || v == nil {
		return def
	}
	return fmt.Sprint(v)
}

func (p *Provider) Int(section, key string, def int) int {
	v, ok := p.lookup(section, key)
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return i
		}
	}
	return def
}

func (p *Provider) Bool(section, key string, def bool) bool {
	v, ok := p.lookup(section, key)
	if !ok {
		return def
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		if parsed, err := strconv.ParseBool(strings.TrimSpace(b)); err == nil {
			return parsed
		}
	}
	return def
}

// Duration accepts Go duration strings ("250ms") or integer milliseconds.
func (p *Provider) Duration(section, key string, def time.Duration) time.Duration {
	v, ok := p.lookup(section, key)
	if !ok {
		return def
	}
	switch d := v.(type) {
	case int:
		return time.Duration(d) * time.Millisecond
	case string:
		s := strings.TrimSpace(d)
		if parsed, err := time.ParseDuration(s); err == nil {
			return parsed
		}
		if ms, err := strconv.Atoi(s); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return def
}

func (s Section) String(key, def string) string { return s.provider.String(s.name, key, def) }
func (s Section) Int(key string, def int) int     { return s.provider.Int(s.name, key, def) }
func (s Section) Bool(key string, def bool) bool  { return s.provider.Bool(s.name, key, def) }
func (s Section) Duration(key string, def time.Duration) time.Duration {
	return s.provider.Duration(s.name, key, def)
}
