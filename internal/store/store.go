// Package store holds the authoritative, versioned set of Clusters and
// Routes. It is the only writer of truth the xDS pipeline reads from; every
// successful mutation bumps a global version and wakes every subscriber.
package store

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rajeevramani/envoy-control-plane-v2/internal/model"
	"github.com/rajeevramani/envoy-control-plane-v2/internal/validation"
	"github.com/rajeevramani/envoy-control-plane-v2/internal/xdserrors"
)

// Snapshot is a consistent, immutable view of the store at a point in time.
// Callers must not mutate the maps or slices it contains.
type Snapshot struct {
	Version  uint64
	Clusters map[string]model.Cluster
	Routes   map[string]model.Route

	// routeOrder lists route IDs in insertion order; the wire
	// RouteConfiguration lists routes in this order.
	routeOrder []string
}

// OrderedClusters returns the clusters sorted by name, so projecting the
// same snapshot twice yields the same resource sequence.
func (s *Snapshot) OrderedClusters() []model.Cluster {
	names := make([]string, 0, len(s.Clusters))
	for name := range s.Clusters {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]model.Cluster, 0, len(names))
	for _, name := range names {
		out = append(out, s.Clusters[name])
	}
	return out
}

// OrderedRoutes returns the routes in insertion order.
func (s *Snapshot) OrderedRoutes() []model.Route {
	out := make([]model.Route, 0, len(s.routeOrder))
	for _, id := range s.routeOrder {
		out = append(out, s.Routes[id])
	}
	return out
}

// Store is safe for concurrent use. Writes take an exclusive path; reads
// (Snapshot, Get*, List*) never block on a writer and never block each
// other: they load an immutable snapshot behind an atomic pointer.
type Store struct {
	writeMu  sync.Mutex // serializes writers only; readers never take it
	current  atomic.Pointer[Snapshot]
	policies validation.Policies
	methods  validation.Methods

	subMu sync.Mutex
	subs  map[*subscription]struct{}
}

// New creates an empty Store. policies and methods are the configured
// lb_policy/http_methods allow-lists; a zero Policies/Methods value falls
// back to the data model's own defaults.
func New(policies validation.Policies, methods validation.Methods) *Store {
	s := &Store{
		policies: policies,
		methods:  methods,
		subs:     make(map[*subscription]struct{}),
	}
	s.current.Store(&Snapshot{
		Version:  0,
		Clusters: map[string]model.Cluster{},
		Routes:   map[string]model.Route{},
	})
	return s
}

// Snapshot returns the current consistent view. The version and the maps it
// returns always correspond to the same commit.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// GetCluster returns a copy of the named cluster.
func (s *Store) GetCluster(name string) (model.Cluster, error) {
	snap := s.current.Load()
	c, ok := snap.Clusters[name]
	if !ok {
		return model.Cluster{}, xdserrors.NotFound("cluster", name)
	}
	return c, nil
}

// ListClusters returns every cluster, sorted by name.
func (s *Store) ListClusters() []model.Cluster {
	return s.current.Load().OrderedClusters()
}

// GetRoute returns a copy of the route with the given ID.
func (s *Store) GetRoute(id string) (model.Route, error) {
	snap := s.current.Load()
	r, ok := snap.Routes[id]
	if !ok {
		return model.Route{}, xdserrors.NotFound("route", id)
	}
	return r, nil
}

// ListRoutes returns every route, in insertion order.
func (s *Store) ListRoutes() []model.Route {
	return s.current.Load().OrderedRoutes()
}

// PutCluster validates and inserts or replaces a cluster by name.
func (s *Store) PutCluster(c model.Cluster) error {
	if err := validation.Cluster(&c, s.policies); err != nil {
		return err
	}
	s.mutate(func(next *Snapshot) {
		next.Clusters[c.Name] = c
	})
	return nil
}

// CreateCluster is PutCluster but rejects an existing name instead of
// replacing it (POST semantics vs. PUT semantics at the admin layer).
func (s *Store) CreateCluster(c model.Cluster) error {
	snap := s.current.Load()
	if _, exists := snap.Clusters[c.Name]; exists {
		return xdserrors.Conflict("cluster", c.Name)
	}
	return s.PutCluster(c)
}

// PatchCluster applies a partial update to an existing cluster by name.
// Only fields present in patch are changed.
func (s *Store) PatchCluster(name string, patch model.ClusterPatch) (model.Cluster, error) {
	snap := s.current.Load()
	existing, ok := snap.Clusters[name]
	if !ok {
		return model.Cluster{}, xdserrors.NotFound("cluster", name)
	}
	if patch.Endpoints != nil {
		existing.Endpoints = *patch.Endpoints
	}
	if patch.LBPolicy != nil {
		existing.LBPolicy = *patch.LBPolicy
	}
	if err := validation.Cluster(&existing, s.policies); err != nil {
		return model.Cluster{}, err
	}
	s.mutate(func(next *Snapshot) {
		next.Clusters[name] = existing
	})
	return existing, nil
}

// DeleteCluster removes a cluster by name. It does not cascade to routes
// that reference it; those routes become dangling references, which is the
// documented behavior rather than an error.
func (s *Store) DeleteCluster(name string) error {
	snap := s.current.Load()
	if _, ok := snap.Clusters[name]; !ok {
		return xdserrors.NotFound("cluster", name)
	}
	s.mutate(func(next *Snapshot) {
		delete(next.Clusters, name)
	})
	return nil
}

// CreateRoute assigns a fresh ID and inserts the route.
func (s *Store) CreateRoute(r model.Route) (model.Route, error) {
	r.ID = uuid.NewString()
	if err := validation.Route(&r, s.methods); err != nil {
		return model.Route{}, err
	}
	s.mutate(func(next *Snapshot) {
		next.Routes[r.ID] = r
		next.routeOrder = append(next.routeOrder, r.ID)
	})
	return r, nil
}

// PutRoute applies a full replacement of an existing route by ID.
func (s *Store) PutRoute(r model.Route) error {
	if err := validation.Route(&r, s.methods); err != nil {
		return err
	}
	snap := s.current.Load()
	if _, ok := snap.Routes[r.ID]; !ok {
		return xdserrors.NotFound("route", r.ID)
	}
	s.mutate(func(next *Snapshot) {
		next.Routes[r.ID] = r
	})
	return nil
}

// PatchRoute applies a partial update. Only fields present in patch are
// changed; the rest are left as stored.
func (s *Store) PatchRoute(id string, patch model.RoutePatch) (model.Route, error) {
	snap := s.current.Load()
	existing, ok := snap.Routes[id]
	if !ok {
		return model.Route{}, xdserrors.NotFound("route", id)
	}
	if patch.Path != nil {
		existing.Path = *patch.Path
	}
	if patch.ClusterName != nil {
		existing.ClusterName = *patch.ClusterName
	}
	if patch.PrefixRewrite != nil {
		existing.PrefixRewrite = *patch.PrefixRewrite
	}
	if patch.HTTPMethods != nil {
		existing.HTTPMethods = *patch.HTTPMethods
	}
	if err := validation.Route(&existing, s.methods); err != nil {
		return model.Route{}, err
	}
	s.mutate(func(next *Snapshot) {
		next.Routes[id] = existing
	})
	return existing, nil
}

// DeleteRoute removes a route by ID.
func (s *Store) DeleteRoute(id string) error {
	snap := s.current.Load()
	if _, ok := snap.Routes[id]; !ok {
		return xdserrors.NotFound("route", id)
	}
	s.mutate(func(next *Snapshot) {
		delete(next.Routes, id)
		for i, existing := range next.routeOrder {
			if existing == id {
				next.routeOrder = append(next.routeOrder[:i:i], next.routeOrder[i+1:]...)
				break
			}
		}
	})
	return nil
}

// mutate serializes writers, clones the current snapshot, lets fn apply its
// change to the clone, bumps the version, and publishes the new snapshot in
// one atomic swap. Readers taking a Snapshot() never observe a map that is
// being mutated in place: they either see the old snapshot in full or the
// new one in full.
func (s *Store) mutate(fn func(next *Snapshot)) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prev := s.current.Load()
	next := &Snapshot{
		Version:    prev.Version + 1,
		Clusters:   cloneClusters(prev.Clusters),
		Routes:     cloneRoutes(prev.Routes),
		routeOrder: append([]string(nil), prev.routeOrder...),
	}
	fn(next)
	s.current.Store(next)
	s.publish(next.Version)
}

func cloneClusters(m map[string]model.Cluster) map[string]model.Cluster {
	out := make(map[string]model.Cluster, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneRoutes(m map[string]model.Route) map[string]model.Route {
	out := make(map[string]model.Route, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// subscription is a single-slot, drop-oldest notification channel: a
// subscriber that has not drained the previous event only ever sees the
// latest version, never a backlog. Losing intermediate versions is safe
// because every push re-reads the full store state.
type subscription struct {
	ch chan uint64
}

// Subscription is the handle returned to callers; Events delivers the
// current version on every mutation after Subscribe, coalesced.
type Subscription struct {
	s    *Store
	sub  *subscription
	once sync.Once
}

// Events returns the channel to range over. It is closed by Close.
func (h *Subscription) Events() <-chan uint64 {
	return h.sub.ch
}

// Close deregisters the subscription. Safe to call more than once.
func (h *Subscription) Close() {
	h.once.Do(func() {
		h.s.subMu.Lock()
		delete(h.s.subs, h.sub)
		h.s.subMu.Unlock()
		close(h.sub.ch)
	})
}

// Subscribe registers a new notification handle. Callers must Close it on
// session teardown.
func (s *Store) Subscribe() *Subscription {
	sub := &subscription{ch: make(chan uint64, 1)}
	s.subMu.Lock()
	s.subs[sub] = struct{}{}
	s.subMu.Unlock()
	return &Subscription{s: s, sub: sub}
}

func (s *Store) publish(version uint64) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for sub := range s.subs {
		select {
		case sub.ch <- version:
		default:
			// Buffer already holds an unconsumed version; overwrite it so
			// the subscriber always wakes to the latest, never a backlog.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- version:
			default:
			}
		}
	}
}
