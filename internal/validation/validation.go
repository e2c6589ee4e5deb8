// Package validation enforces the field-level rules from the data model on
// every mutation before it reaches the store.
package validation

import (
	"regexp"
	"strings"

	"github.com/rajeevramani/envoy-control-plane-v2/internal/model"
	"github.com/rajeevramani/envoy-control-plane-v2/internal/xdserrors"
)

var (
	clusterNameRe = regexp.MustCompile(`^[a-zA-Z0-9_.-]+$`)
	hostRe        = regexp.MustCompile(`^[a-zA-Z0-9.-]+$`)
	pathRe        = regexp.MustCompile(`^/[a-zA-Z0-9/_.-]*$`)
)

var allowedHTTPMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true, "PATCH": true,
	"HEAD": true, "OPTIONS": true, "TRACE": true, "CONNECT": true,
}

var allowedLBPolicies = map[model.LBPolicy]bool{
	model.RoundRobin: true, model.LeastRequest: true, model.Random: true, model.RingHash: true,
}

// Policies is the set of lb_policy values a configured deployment accepts,
// injected from configuration (load_balancing.available_policies).
type Policies struct {
	Available []model.LBPolicy
	Default   model.LBPolicy
}

func (p Policies) allows(policy model.LBPolicy) bool {
	for _, a := range p.Available {
		if a == policy {
			return true
		}
	}
	return false
}

// Methods is the set of HTTP methods a configured deployment accepts
// (http_methods.supported_methods).
type Methods struct {
	Supported map[string]bool
}

func defaultMethods() Methods {
	return Methods{Supported: allowedHTTPMethods}
}

// Cluster validates a Cluster before it is written to the store. It also
// normalizes lb_policy to the configured default when empty. Mixed
// tls_enabled settings across a cluster's endpoints are rejected rather
// than silently producing an inconsistent wire projection.
func Cluster(c *model.Cluster, policies Policies) error {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return xdserrors.Validation("name", "must not be empty")
	}
	if len(name) > 50 {
		return xdserrors.Validation("name", "must be at most 50 characters")
	}
	if !clusterNameRe.MatchString(name) {
		return xdserrors.Validation("name", "must match [A-Za-z0-9_.-]+")
	}
	c.Name = name

	if len(c.Endpoints) == 0 {
		return xdserrors.Validation("endpoints", "must contain at least one endpoint")
	}
	tlsSeen := map[bool]bool{}
	for i := range c.Endpoints {
		if err := endpoint(&c.Endpoints[i]); err != nil {
			return err
		}
		tlsSeen[c.Endpoints[i].TLSEnabled] = true
	}
	if len(tlsSeen) > 1 {
		return xdserrors.Validation("endpoints", "tls_enabled must be consistent across all endpoints in a cluster")
	}

	if c.LBPolicy == "" {
		c.LBPolicy = policies.Default
		if c.LBPolicy == "" {
			c.LBPolicy = model.RoundRobin
		}
		return nil
	}
	if !allowedLBPolicies[c.LBPolicy] {
		return xdserrors.Validation("lb_policy", "must be one of ROUND_ROBIN, LEAST_REQUEST, RANDOM, RING_HASH")
	}
	if len(policies.Available) > 0 && !policies.allows(c.LBPolicy) {
		return xdserrors.Validation("lb_policy", "not in the configured set of available policies")
	}
	return nil
}

func endpoint(e *model.Endpoint) error {
	host := strings.TrimSpace(e.Host)
	if host == "" {
		return xdserrors.Validation("endpoints.host", "must not be empty")
	}
	if len(host) > 255 {
		return xdserrors.Validation("endpoints.host", "must be at most 255 characters")
	}
	if !hostRe.MatchString(host) {
		return xdserrors.Validation("endpoints.host", "must match [A-Za-z0-9.-]+")
	}
	e.Host = host

	if e.Port == 0 {
		return xdserrors.Validation("endpoints.port", "must be in 1..65535")
	}
	return nil
}

// Route validates a Route before it is written to the store. Dangling
// cluster_name references are intentionally not rejected here: the
// reference is checked syntactically, never resolved against the store.
func Route(r *model.Route, methods Methods) error {
	path := strings.TrimSpace(r.Path)
	if !strings.HasPrefix(path, "/") {
		return xdserrors.Validation("path", "must start with /")
	}
	if len(path) > 200 {
		return xdserrors.Validation("path", "must be at most 200 characters")
	}
	if strings.Contains(path, "..") || strings.Contains(path, "//") {
		return xdserrors.Validation("path", "must not contain .. or //")
	}
	if !pathRe.MatchString(path) {
		return xdserrors.Validation("path", "contains unsafe URL characters")
	}
	r.Path = path

	clusterName := strings.TrimSpace(r.ClusterName)
	if clusterName == "" {
		return xdserrors.Validation("cluster_name", "must not be empty")
	}
	if !clusterNameRe.MatchString(clusterName) {
		return xdserrors.Validation("cluster_name", "must match [A-Za-z0-9_.-]+")
	}
	r.ClusterName = clusterName

	if r.PrefixRewrite != "" && len(r.PrefixRewrite) > 100 {
		return xdserrors.Validation("prefix_rewrite", "must be at most 100 characters")
	}

	if len(r.HTTPMethods) > 10 {
		return xdserrors.Validation("http_methods", "must contain at most 10 entries")
	}
	supported := methods.Supported
	if supported == nil {
		supported = defaultMethods().Supported
	}
	for _, m := range r.HTTPMethods {
		if !supported[m] {
			return xdserrors.Validation("http_methods", "contains an unsupported method: "+m)
		}
	}
	return nil
}
