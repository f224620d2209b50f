// Package registry holds the push targets of a session.
package registry

import (
	"sort"
	"sync"

	"pq_chat/internal/model"
)

const DefaultMaxFailures = 1

type (
	entry struct {
		endpoint model.PeerEndpoint
		failures int
		pinned   bool
	}

	// Registry is safe for concurrent use. An endpoint is only dropped
	// after maxFailures consecutive failed pushes.
	Registry struct {
		mu          sync.RWMutex
		peers       map[string]*entry
		maxFailures int
	}
)

func New(maxFailures int) *Registry {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxFailures
	}
	return &Registry{
		peers:       make(map[string]*entry),
		maxFailures: maxFailures,
	}
}

// Register adds ep and reports whether it was new. Registering a known
// endpoint keeps it and clears its failure count.
func (r *Registry) Register(ep model.PeerEndpoint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.peers[ep.URL]; ok {
		e.failures = 0
		return false
	}
	r.peers[ep.URL] = &entry{endpoint: ep}
	return true
}

// Pin registers ep so that failed pushes never drop it. Only Unregister
// removes a pinned endpoint.
func (r *Registry) Pin(ep model.PeerEndpoint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.peers[ep.URL]; ok {
		e.failures = 0
		e.pinned = true
		return false
	}
	r.peers[ep.URL] = &entry{endpoint: ep, pinned: true}
	return true
}

func (r *Registry) Unregister(ep model.PeerEndpoint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.peers[ep.URL]; !ok {
		return false
	}
	delete(r.peers, ep.URL)
	return true
}

// Snapshot returns a copy of the endpoints ordered by URL.
func (r *Registry) Snapshot() []model.PeerEndpoint {
	r.mu.RLock()
	out := make([]model.PeerEndpoint, 0, len(r.peers))
	for _, e := range r.peers {
		out = append(out, e.endpoint)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}

// ReportFailure counts a failed push and reports whether ep was removed.
func (r *Registry) ReportFailure(ep model.PeerEndpoint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.peers[ep.URL]
	if !ok {
		return false
	}
	e.failures++
	if e.pinned || e.failures < r.maxFailures {
		return false
	}
	delete(r.peers, ep.URL)
	return true
}

func (r *Registry) ReportSuccess(ep model.PeerEndpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.peers[ep.URL]; ok {
		e.failures = 0
	}
}

func (r *Registry) Contains(ep model.PeerEndpoint) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.peers[ep.URL]
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
