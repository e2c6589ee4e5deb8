// Package xds turns stored models into the wire resources a proxy speaks
// xDS to receive, and runs the per-stream session state machine that decides
// when to send them.
package xds

import (
	"time"

	clusterv3 "github.com/envoyproxy/go-control-plane/envoy/config/cluster/v3"
	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	endpointv3 "github.com/envoyproxy/go-control-plane/envoy/config/endpoint/v3"
	routev3 "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	tlsv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/transport_sockets/tls/v3"
	matcherv3 "github.com/envoyproxy/go-control-plane/envoy/type/matcher/v3"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/rajeevramani/envoy-control-plane-v2/internal/model"
)

// Type URLs, bit-exact per the xDS wire contract.
const (
	ClusterTypeURL  = "type.googleapis.com/envoy.config.cluster.v3.Cluster"
	EndpointTypeURL = "type.googleapis.com/envoy.config.endpoint.v3.ClusterLoadAssignment"
	RouteTypeURL    = "type.googleapis.com/envoy.config.route.v3.RouteConfiguration"
)

// PushOrder is the fixed sequence in which resource types are projected and
// sent so a proxy never NACKs a route for a cluster it hasn't learned yet.
var PushOrder = []string{ClusterTypeURL, EndpointTypeURL, RouteTypeURL}

// ProjectorConfig carries the operator-configured naming and timing
// defaults that have no equivalent in the stored model
// (envoy_generation.* in the config document).
type ProjectorConfig struct {
	ConnectTimeoutSeconds int64
	DiscoveryType         string
	DNSLookupFamily       string
	DefaultProtocol       string
	RouteConfigName       string
	VirtualHostName       string
	DefaultDomains        []string
}

func (c ProjectorConfig) withDefaults() ProjectorConfig {
	if c.ConnectTimeoutSeconds == 0 {
		c.ConnectTimeoutSeconds = 5
	}
	if c.DiscoveryType == "" {
		c.DiscoveryType = "STRICT_DNS"
	}
	if c.DNSLookupFamily == "" {
		c.DNSLookupFamily = "V4_ONLY"
	}
	if c.DefaultProtocol == "" {
		c.DefaultProtocol = "TCP"
	}
	if c.RouteConfigName == "" {
		c.RouteConfigName = "local_route"
	}
	if c.VirtualHostName == "" {
		c.VirtualHostName = "local_service"
	}
	if len(c.DefaultDomains) == 0 {
		c.DefaultDomains = []string{"*"}
	}
	return c
}

var lbPolicyToProto = map[model.LBPolicy]clusterv3.Cluster_LbPolicy{
	model.RoundRobin:   clusterv3.Cluster_ROUND_ROBIN,
	model.LeastRequest: clusterv3.Cluster_LEAST_REQUEST,
	model.Random:       clusterv3.Cluster_RANDOM,
	model.RingHash:     clusterv3.Cluster_RING_HASH,
}

var discoveryTypeToProto = map[string]clusterv3.Cluster_DiscoveryType{
	"STATIC":      clusterv3.Cluster_STATIC,
	"STRICT_DNS":  clusterv3.Cluster_STRICT_DNS,
	"LOGICAL_DNS": clusterv3.Cluster_LOGICAL_DNS,
	"EDS":         clusterv3.Cluster_EDS,
}

var dnsLookupFamilyToProto = map[string]clusterv3.Cluster_DnsLookupFamily{
	"AUTO":         clusterv3.Cluster_AUTO,
	"V4_ONLY":      clusterv3.Cluster_V4_ONLY,
	"V6_ONLY":      clusterv3.Cluster_V6_ONLY,
	"V4_PREFERRED": clusterv3.Cluster_V4_PREFERRED,
	"ALL":          clusterv3.Cluster_ALL,
}

var protocolToProto = map[string]corev3.SocketAddress_Protocol{
	"TCP": corev3.SocketAddress_TCP,
	"UDP": corev3.SocketAddress_UDP,
}

func (c ProjectorConfig) discoveryType() clusterv3.Cluster_DiscoveryType {
	if dt, ok := discoveryTypeToProto[c.DiscoveryType]; ok {
		return dt
	}
	return clusterv3.Cluster_STRICT_DNS
}

func (c ProjectorConfig) dnsLookupFamily() clusterv3.Cluster_DnsLookupFamily {
	if f, ok := dnsLookupFamilyToProto[c.DNSLookupFamily]; ok {
		return f
	}
	return clusterv3.Cluster_V4_ONLY
}

func (c ProjectorConfig) protocol() corev3.SocketAddress_Protocol {
	if p, ok := protocolToProto[c.DefaultProtocol]; ok {
		return p
	}
	return corev3.SocketAddress_TCP
}

// ProjectClusters converts every stored cluster into a wire Cluster message,
// following the same shape the Go control plane's own makeCluster()/
// makeEndpoint() helpers build: a cluster with the configured discovery
// type and DNS lookup family, an inline LoadAssignment using the configured
// protocol, and, when the cluster's endpoints are TLS-enabled, an
// UpstreamTlsContext transport_socket keyed to the first endpoint's host as
// SNI (validation guarantees every endpoint in a cluster agrees on
// tls_enabled, so any endpoint's host is representative).
func ProjectClusters(clusters []model.Cluster, cfg ProjectorConfig) ([]*anypb.Any, error) {
	cfg = cfg.withDefaults()
	out := make([]*anypb.Any, 0, len(clusters))
	for _, c := range clusters {
		policy, ok := lbPolicyToProto[c.LBPolicy]
		if !ok {
			policy = clusterv3.Cluster_ROUND_ROBIN
		}
		pbCluster := &clusterv3.Cluster{
			Name: c.Name,
			ClusterDiscoveryType: &clusterv3.Cluster_Type{
				Type: cfg.discoveryType(),
			},
			DnsLookupFamily: cfg.dnsLookupFamily(),
			LbPolicy:        policy,
			LoadAssignment:  clusterLoadAssignment(c, cfg.protocol()),
			ConnectTimeout:  durationpb.New(time.Duration(cfg.ConnectTimeoutSeconds) * time.Second),
		}
		if len(c.Endpoints) > 0 && c.Endpoints[0].TLSEnabled {
			ts, err := anypb.New(&tlsv3.UpstreamTlsContext{
				CommonTlsContext: &tlsv3.CommonTlsContext{},
				Sni:              c.Endpoints[0].Host,
			})
			if err != nil {
				return nil, err
			}
			pbCluster.TransportSocket = &corev3.TransportSocket{
				Name: "envoy.transport_sockets.tls",
				ConfigType: &corev3.TransportSocket_TypedConfig{
					TypedConfig: ts,
				},
			}
		}
		any, err := anypb.New(pbCluster)
		if err != nil {
			return nil, err
		}
		out = append(out, any)
	}
	return out, nil
}

// ProjectEndpoints converts every stored cluster's endpoints into its own
// ClusterLoadAssignment, one per cluster, matching by cluster_name.
func ProjectEndpoints(clusters []model.Cluster, cfg ProjectorConfig) ([]*anypb.Any, error) {
	cfg = cfg.withDefaults()
	out := make([]*anypb.Any, 0, len(clusters))
	for _, c := range clusters {
		any, err := anypb.New(clusterLoadAssignment(c, cfg.protocol()))
		if err != nil {
			return nil, err
		}
		out = append(out, any)
	}
	return out, nil
}

func clusterLoadAssignment(c model.Cluster, protocol corev3.SocketAddress_Protocol) *endpointv3.ClusterLoadAssignment {
	lbEndpoints := make([]*endpointv3.LbEndpoint, 0, len(c.Endpoints))
	for _, e := range c.Endpoints {
		lbEndpoints = append(lbEndpoints, &endpointv3.LbEndpoint{
			HostIdentifier: &endpointv3.LbEndpoint_Endpoint{
				Endpoint: &endpointv3.Endpoint{
					Address: &corev3.Address{
						Address: &corev3.Address_SocketAddress{
							SocketAddress: &corev3.SocketAddress{
								Protocol: protocol,
								Address:  e.Host,
								PortSpecifier: &corev3.SocketAddress_PortValue{
									PortValue: uint32(e.Port),
								},
							},
						},
					},
				},
			},
		})
	}
	return &endpointv3.ClusterLoadAssignment{
		ClusterName: c.Name,
		Endpoints: []*endpointv3.LocalityLbEndpoints{
			{LbEndpoints: lbEndpoints},
		},
	}
}

// ProjectRoutes builds the single RouteConfiguration resource containing one
// virtual host whose routes list every stored Route in insertion order.
// http_methods becomes a single :method HeaderMatcher: an exact match for
// one method, or a safe_regex alternation for several.
func ProjectRoutes(routes []model.Route, cfg ProjectorConfig) ([]*anypb.Any, error) {
	cfg = cfg.withDefaults()
	pbRoutes := make([]*routev3.Route, 0, len(routes))
	for _, r := range routes {
		pbRoutes = append(pbRoutes, &routev3.Route{
			Match: &routev3.RouteMatch{
				PathSpecifier: &routev3.RouteMatch_Prefix{Prefix: r.Path},
				Headers:       methodHeaderMatchers(r.HTTPMethods),
			},
			Action: &routev3.Route_Route{
				Route: &routev3.RouteAction{
					ClusterSpecifier: &routev3.RouteAction_Cluster{Cluster: r.ClusterName},
					PrefixRewrite:    r.PrefixRewrite,
				},
			},
		})
	}

	routeConfig := &routev3.RouteConfiguration{
		Name: cfg.RouteConfigName,
		VirtualHosts: []*routev3.VirtualHost{
			{
				Name:    cfg.VirtualHostName,
				Domains: cfg.DefaultDomains,
				Routes:  pbRoutes,
			},
		},
	}
	any, err := anypb.New(routeConfig)
	if err != nil {
		return nil, err
	}
	return []*anypb.Any{any}, nil
}

func methodHeaderMatchers(methods []string) []*routev3.HeaderMatcher {
	if len(methods) == 0 {
		return nil
	}
	if len(methods) == 1 {
		return []*routev3.HeaderMatcher{{
			Name:                 ":method",
			HeaderMatchSpecifier: &routev3.HeaderMatcher_ExactMatch{ExactMatch: methods[0]},
		}}
	}
	pattern := "^(" + joinAlternation(methods) + ")$"
	return []*routev3.HeaderMatcher{{
		Name: ":method",
		HeaderMatchSpecifier: &routev3.HeaderMatcher_SafeRegexMatch{
			SafeRegexMatch: &matcherv3.RegexMatcher{
				Regex: pattern,
			},
		},
	}}
}

func joinAlternation(methods []string) string {
	out := methods[0]
	for _, m := range methods[1:] {
		out += "|" + m
	}
	return out
}

