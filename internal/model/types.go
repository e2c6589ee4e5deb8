// Package model holds the domain types stored by the control plane: the
// upstream clusters and HTTP routes operators declare through the admin API,
// independent of how they are later projected onto the xDS wire format.
package model

// LBPolicy is the load-balancing policy assigned to a Cluster.
type LBPolicy string

const (
	RoundRobin   LBPolicy = "ROUND_ROBIN"
	LeastRequest LBPolicy = "LEAST_REQUEST"
	Random       LBPolicy = "RANDOM"
	RingHash     LBPolicy = "RING_HASH"
)

// Endpoint is a single upstream target within a Cluster. Endpoints have no
// identity outside their owning cluster; they are compared and copied by
// value.
type Endpoint struct {
	Host       string
	Port       uint16
	TLSEnabled bool
}

// Cluster is a named pool of endpoints sharing a load-balancing policy. Name
// is the primary key the store indexes on.
type Cluster struct {
	Name      string
	Endpoints []Endpoint
	LBPolicy  LBPolicy
}

// Route is a prefix-matched HTTP forwarding rule. ID is server-generated and
// unique; ClusterName is a weak reference resolved by name at projection
// time, not a pointer into the store.
type Route struct {
	ID            string
	Path          string
	ClusterName   string
	PrefixRewrite string
	HTTPMethods   []string
}

// RoutePatch carries the mutable subset of Route fields for a partial
// update (PUT /routes/{id}). A nil field is left unchanged.
type RoutePatch struct {
	Path          *string
	ClusterName   *string
	PrefixRewrite *string
	HTTPMethods   *[]string
}

// ClusterPatch carries the mutable subset of Cluster fields for a partial
// update (PUT /clusters/{name}).
type ClusterPatch struct {
	Endpoints *[]Endpoint
	LBPolicy  *LBPolicy
}
