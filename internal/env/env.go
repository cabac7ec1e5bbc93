package env

import (
	"os"
	"sort"
	"strings"
)

// Vars is a KEY -> VALUE environment map.
type Vars map[string]string

// Composer builds the environment handed to the worker process.
// Order of precedence (last wins): OS env (when enabled), global vars,
// per-worker entries, then the pinned vars (e.g. the worker port).
type Composer struct {
	UseOS  bool
	Global Vars
	pinned Vars
}

func New(useOS bool) *Composer {
	return &Composer{UseOS: useOS, Global: make(Vars), pinned: make(Vars)}
}

// Pin forces K=V regardless of any other source.
func (c *Composer) Pin(k, v string) *Composer {
	if k != "" {
		c.pinned[k] = v
	}
	return c
}

// SetGlobal adds "K=V" entries to the global set; malformed entries are skipped.
func (c *Composer) SetGlobal(kvs []string) *Composer {
	for k, v := range Parse(kvs) {
		c.Global[k] = v
	}
	return c
}

// Compose returns the merged environment as sorted "K=V" entries with simple
// ${VAR} expansion against the merged map (one pass, no recursion).
func (c *Composer) Compose(worker []string) []string {
	m := make(Vars)
	if c.UseOS {
		for k, v := range Parse(os.Environ()) {
			m[k] = v
		}
	}
	for k, v := range c.Global {
		m[k] = v
	}
	for k, v := range Parse(worker) {
		m[k] = v
	}
	for k, v := range c.pinned {
		m[k] = v
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

// Parse converts "K=V" entries into a map, skipping entries without '=' or
// with an empty key.
func Parse(kvs []string) Vars {
	m := make(Vars, len(kvs))
	for _, kv := range kvs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}

func expand(s string, m Vars) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string { return m[k] })
}
