// Package routes implements C3, the in-memory route matcher: host+path
// lookup with deterministic specificity ordering, lock-free reads via a
// copy-on-write table pointer, entries bucketed by host kind.
package routes

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/tako-run/takod/internal/domain"
)

// entry is one registered route, pre-split for matching.
type entry struct {
	route domain.Route
	host  string // unwildcarded suffix for wildcard hosts; full host otherwise
}

// table is an immutable snapshot swapped atomically on every mutation.
type table struct {
	exact    map[string][]entry // full host -> routes
	wildcard map[string][]entry // suffix (e.g. "example.com") -> routes
	single   map[string][]entry // single-label host -> routes
}

func newTable() *table {
	return &table{
		exact:    make(map[string][]entry),
		wildcard: make(map[string][]entry),
		single:   make(map[string][]entry),
	}
}

// Matcher is C3: lock-free reads, single-writer mutations.
type Matcher struct {
	cur atomic.Pointer[table]
}

func New() *Matcher {
	m := &Matcher{}
	m.cur.Store(newTable())
	return m
}

// Conflict is returned when registering routes would make two apps resolve
// identically for the same host+path specificity.
type Conflict struct {
	Host, Path   string
	ExistingApp  string
}

func (c *Conflict) Error() string {
	return fmt.Sprintf("route %s%s already served by app %q", c.Host, c.Path, c.ExistingApp)
}

// CheckConflicts reports the first route in routes that would collide with
// a different app's existing registration, without mutating the table.
func (m *Matcher) CheckConflicts(app string, routeSpecs []string) error {
	cur := m.cur.Load()
	for _, spec := range routeSpecs {
		host, path := domain.ParseRouteSpec(spec)
		r := domain.Route{App: app, HostPattern: host, PathPattern: path}
		if existing := lookupExactSpecificity(cur, r); existing != "" && existing != app {
			return &Conflict{Host: host, Path: path, ExistingApp: existing}
		}
	}
	return nil
}

// lookupExactSpecificity finds an existing route with the same host pattern
// and same normalized path, returning its owning app, or "" if none.
func lookupExactSpecificity(t *table, r domain.Route) string {
	bucket, key := bucketFor(t, r)
	for _, e := range bucket[key] {
		if e.route.NormalizedPath() == r.NormalizedPath() && e.route.IsPathPrefix() == r.IsPathPrefix() {
			return e.route.App
		}
	}
	return ""
}

func bucketFor(t *table, r domain.Route) (map[string][]entry, string) {
	switch r.HostKind() {
	case domain.HostWildcard:
		return t.wildcard, strings.TrimPrefix(r.HostPattern, "*.")
	case domain.HostSingleLabel:
		return t.single, r.HostPattern
	default:
		return t.exact, r.HostPattern
	}
}

// Register atomically replaces all of app's routes with routeSpecs. Callers
// must call CheckConflicts first; Register does not itself detect
// conflicts against other apps.
func (m *Matcher) Register(app string, routeSpecs []string) {
	old := m.cur.Load()
	next := cloneWithout(old, app)

	for _, spec := range routeSpecs {
		host, path := domain.ParseRouteSpec(spec)
		r := domain.Route{App: app, HostPattern: host, PathPattern: path}
		bucket, key := bucketFor(next, r)
		bucket[key] = append(bucket[key], entry{route: r, host: key})
		sortBySpecificity(bucket[key])
	}

	m.cur.Store(next)
}

// Unregister atomically removes all of app's routes.
func (m *Matcher) Unregister(app string) {
	old := m.cur.Load()
	m.cur.Store(cloneWithout(old, app))
}

// cloneWithout returns a deep-enough copy of t with every entry belonging
// to app removed, ready for new entries to be appended.
func cloneWithout(t *table, app string) *table {
	next := newTable()
	for k, v := range t.exact {
		next.exact[k] = filterOut(v, app)
	}
	for k, v := range t.wildcard {
		next.wildcard[k] = filterOut(v, app)
	}
	for k, v := range t.single {
		next.single[k] = filterOut(v, app)
	}
	return next
}

func filterOut(entries []entry, app string) []entry {
	out := make([]entry, 0, len(entries))
	for _, e := range entries {
		if e.route.App != app {
			out = append(out, e)
		}
	}
	return out
}

// sortBySpecificity orders path entries: exact paths first (longest first),
// then "/*" prefixes ordered longest-first.
func sortBySpecificity(entries []entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i].route, entries[j].route
		if a.IsPathPrefix() != b.IsPathPrefix() {
			return !a.IsPathPrefix() // exact paths sort before prefixes
		}
		return len(a.NormalizedPath()) > len(b.NormalizedPath())
	})
}

// Match resolves host+path to the owning app's route, or ok=false if no
// route matches (caller returns 404).
func (m *Matcher) Match(host, path string) (domain.Route, bool) {
	t := m.cur.Load()
	host = strings.ToLower(host)

	if entries, ok := t.exact[host]; ok {
		if r, ok := matchPath(entries, path); ok {
			return r, true
		}
	}

	if longest, ok := longestWildcardMatch(t, host); ok {
		if r, ok := matchPath(longest, path); ok {
			return r, true
		}
	}

	if !strings.Contains(host, ".") {
		if entries, ok := t.single[host]; ok {
			if r, ok := matchPath(entries, path); ok {
				return r, true
			}
		}
	}

	return domain.Route{}, false
}

// longestWildcardMatch finds the longest registered wildcard suffix that
// matches host.
func longestWildcardMatch(t *table, host string) ([]entry, bool) {
	var best []entry
	bestLen := -1
	for suffix, entries := range t.wildcard {
		if strings.HasSuffix(host, "."+suffix) {
			if len(suffix) > bestLen {
				best = entries
				bestLen = len(suffix)
			}
		}
	}
	return best, best != nil
}

func matchPath(entries []entry, path string) (domain.Route, bool) {
	normPath := strings.TrimSuffix(path, "/")
	if normPath == "" {
		normPath = "/"
	}
	for _, e := range entries {
		if e.route.IsPathPrefix() {
			prefix := strings.TrimSuffix(e.route.PathPattern, "/*")
			if prefix == "" || strings.HasPrefix(normPath, prefix) {
				return e.route, true
			}
		} else if e.route.NormalizedPath() == normPath {
			return e.route, true
		}
	}
	return domain.Route{}, false
}

// AppRoutes returns the current host/path spec list registered for app,
// used by the "routes" management command.
func (m *Matcher) AppRoutes(app string) []string {
	t := m.cur.Load()
	var out []string
	collect := func(m map[string][]entry) {
		for _, entries := range m {
			for _, e := range entries {
				if e.route.App == app {
					out = append(out, e.route.HostPattern+e.route.PathPattern)
				}
			}
		}
	}
	collect(t.exact)
	collect(t.wildcard)
	collect(t.single)
	return out
}

// AllRoutes returns app -> route specs for every registered app.
func (m *Matcher) AllRoutes() map[string][]string {
	t := m.cur.Load()
	out := make(map[string][]string)
	collect := func(buckets map[string][]entry) {
		for _, entries := range buckets {
			for _, e := range entries {
				out[e.route.App] = append(out[e.route.App], e.route.HostPattern+e.route.PathPattern)
			}
		}
	}
	collect(t.exact)
	collect(t.wildcard)
	collect(t.single)
	return out
}
