// Package mirrors keeps track of which domain is currently used for each
// source and fails over to alternate domains when one stops responding.
package mirrors

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"github.com/vrsandeep/mango-archiver/internal/metrics"
)

// ErrExhausted is returned when no alternate mirror is left to switch to.
var ErrExhausted = errors.New("no alternate mirror available")

type sourceState struct {
	mu        sync.Mutex
	mirrors   []string
	current   string
	blacklist map[string]struct{}
}

// Registry holds the mirror state of every source. Each source is guarded by
// its own lock so failover on one source never blocks another.
type Registry struct {
	mu      sync.Mutex
	sources map[string]*sourceState
	log     zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		sources: make(map[string]*sourceState),
		log:     logger.With().Str("component", "mirrors").Logger(),
	}
}

func (r *Registry) state(source string) *sourceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sources[source]
	if !ok {
		st = &sourceState{blacklist: make(map[string]struct{})}
		r.sources[source] = st
	}
	return st
}

// Register sets the mirror list of a source, preferred domain first. The
// first mirror becomes current unless the current domain is still listed.
func (r *Registry) Register(source string, domains []string) {
	st := r.state(source)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.mirrors = slices.Clone(domains)
	if !slices.Contains(st.mirrors, st.current) {
		st.current = ""
		if len(st.mirrors) > 0 {
			st.current = st.mirrors[0]
		}
	}
	delete(st.blacklist, st.current)
}

// Domain returns the domain currently used for the source.
func (r *Registry) Domain(source string) (string, bool) {
	st := r.state(source)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.current, st.current != ""
}

// Blacklisted returns the domains that failed for the source, in mirror order.
func (r *Registry) Blacklisted(source string) []string {
	st := r.state(source)
	st.mu.Lock()
	defer st.mu.Unlock()
	var out []string
	for _, d := range st.mirrors {
		if _, ok := st.blacklist[d]; ok {
			out = append(out, d)
		}
	}
	return out
}

// TrySwitch blacklists the current domain of the source and adopts the next
// usable mirror, returning it. It fails with ErrExhausted when the current
// domain is not one of the mirrors or no other mirror is left, in which case
// the state is left unchanged.
func (r *Registry) TrySwitch(source string) (string, error) {
	st := r.state(source)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !slices.Contains(st.mirrors, st.current) {
		return "", fmt.Errorf("%w: %q is not a mirror of %s", ErrExhausted, st.current, source)
	}
	next, ok := PickNext(st.mirrors, st.current, st.blacklist)
	if !ok {
		return "", fmt.Errorf("%w for %s", ErrExhausted, source)
	}
	st.blacklist[st.current] = struct{}{}
	r.log.Warn().Str("source", source).Str("from", st.current).Str("to", next).Msg("Switching mirror")
	st.current = next
	metrics.MirrorSwitches.WithLabelValues(source).Inc()
	return next, nil
}

// Rollback restores a previously used domain as current and removes it from
// the blacklist.
func (r *Registry) Rollback(source, previous string) {
	st := r.state(source)
	st.mu.Lock()
	defer st.mu.Unlock()
	delete(st.blacklist, previous)
	if st.current != previous {
		r.log.Debug().Str("source", source).Str("domain", previous).Msg("Rolling back mirror")
	}
	st.current = previous
}

// PickNext returns the first mirror that is neither current nor blacklisted.
func PickNext(mirrors []string, current string, blacklist map[string]struct{}) (string, bool) {
	for _, m := range mirrors {
		if m == current {
			continue
		}
		if _, bad := blacklist[m]; bad {
			continue
		}
		return m, true
	}
	return "", false
}
