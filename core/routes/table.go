package routes

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Observer is notified after every successful route-table change.
type Observer func()

// Table is the atomically-swappable domain/route map. Reload replaces
// the whole snapshot at once; in-flight sessions that captured a Route
// pointer before a reload keep using it undisturbed, since routes are
// immutable once built (spec.md §4.E: "Reload must be atomic from the
// perspective of any in-flight session").
type Table struct {
	snapshot atomic.Pointer[snapshot]

	mu        sync.Mutex // guards observers and the building-side seq counter
	observers []Observer
	nextSeq   int
}

type snapshot struct {
	// byHost groups routes with a literal (non-wildcard) host, longest
	// path first, ties broken by insertion order.
	byHost map[string][]*Route
	// wildcards holds routes whose Host contains "*", in insertion order;
	// evaluated only when no exact host group yields a match.
	wildcards []*Route
}

// NewTable builds an empty table.
func NewTable() *Table {
	t := &Table{}
	t.snapshot.Store(&snapshot{byHost: make(map[string][]*Route)})
	return t
}

// NewTableFromRoutes builds a table from a pre-parsed route list,
// e.g. the output of ParseReader/ParseLines.
func NewTableFromRoutes(routes []Route) *Table {
	t := NewTable()
	t.nextSeq = len(routes)
	t.snapshot.Store(buildSnapshot(routes))
	return t
}

func buildSnapshot(routes []Route) *snapshot {
	s := &snapshot{byHost: make(map[string][]*Route)}
	for i := range routes {
		r := routes[i]
		if strings.Contains(r.Host, "*") {
			s.wildcards = append(s.wildcards, &r)
			continue
		}
		s.byHost[r.Host] = append(s.byHost[r.Host], &r)
	}
	for host := range s.byHost {
		sortRoutesByPrefixPriority(s.byHost[host])
	}
	return s
}

// sortRoutesByPrefixPriority orders longest path first; equal-length
// paths keep insertion order (stable sort over seq ascending).
func sortRoutesByPrefixPriority(rs []*Route) {
	sort.SliceStable(rs, func(i, j int) bool {
		if len(rs[i].Path) != len(rs[j].Path) {
			return len(rs[i].Path) > len(rs[j].Path)
		}
		return rs[i].seq < rs[j].seq
	})
}

// AddRouteLine parses and appends one routes-file line to the current
// table, then atomically commits and fires observers. Matches
// spec.md §4.E's addRouteLine operation.
func (t *Table) AddRouteLine(line string) error {
	t.mu.Lock()

	route, err := ParseLine(line, t.nextSeq)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.nextSeq++

	cur := t.snapshot.Load()
	next := cloneSnapshot(cur)
	if strings.Contains(route.Host, "*") {
		next.wildcards = append(next.wildcards, &route)
	} else {
		next.byHost[route.Host] = append(next.byHost[route.Host], &route)
		sortRoutesByPrefixPriority(next.byHost[route.Host])
	}

	t.snapshot.Store(next)
	t.mu.Unlock()
	t.notify()
	return nil
}

func cloneSnapshot(s *snapshot) *snapshot {
	next := &snapshot{byHost: make(map[string][]*Route, len(s.byHost))}
	for host, rs := range s.byHost {
		cp := make([]*Route, len(rs))
		copy(cp, rs)
		next.byHost[host] = cp
	}
	next.wildcards = append(next.wildcards, s.wildcards...)
	return next
}

// Reload replaces the entire table atomically from a freshly parsed
// route list (e.g. re-read from the routes file on SIGHUP or an
// fsnotify event).
func (t *Table) Reload(newRoutes []Route) {
	t.mu.Lock()
	t.nextSeq = len(newRoutes)
	t.snapshot.Store(buildSnapshot(newRoutes))
	t.mu.Unlock()
	t.notify()
}

// Observe registers f to run after every successful change.
func (t *Table) Observe(f Observer) {
	t.mu.Lock()
	t.observers = append(t.observers, f)
	t.mu.Unlock()
}

func (t *Table) notify() {
	t.mu.Lock()
	observers := append([]Observer(nil), t.observers...)
	t.mu.Unlock()
	for _, o := range observers {
		o()
	}
}

// Lookup finds the best matching Route for (host, path). Exact host
// match beats wildcard; within a host group, longest path prefix wins,
// ties broken by insertion order.
func (t *Table) Lookup(host, path string) *Route {
	s := t.snapshot.Load()
	host = strings.ToLower(host)

	if rs, ok := s.byHost[host]; ok {
		if r := firstPrefixMatch(rs, path); r != nil {
			return r
		}
	}

	var candidates []*Route
	for _, r := range s.wildcards {
		if matchesWildcardHost(r.Host, host) {
			candidates = append(candidates, r)
		}
	}
	sortRoutesByPrefixPriority(candidates)
	return firstPrefixMatch(candidates, path)
}

func firstPrefixMatch(rs []*Route, path string) *Route {
	for _, r := range rs {
		if r.Path == "" || strings.HasPrefix(path, r.Path) {
			return r
		}
	}
	return nil
}

// matchesWildcardHost supports "*" (matches any host) and "*.suffix"
// (matches any host ending in ".suffix", but not "suffix" itself).
func matchesWildcardHost(pattern, host string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		suffix := pattern[1:] // keep leading "."
		return strings.HasSuffix(host, suffix) && host != suffix[1:]
	}
	return pattern == host
}
