package xds

import (
	"testing"

	clusterv3 "github.com/envoyproxy/go-control-plane/envoy/config/cluster/v3"
	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	endpointv3 "github.com/envoyproxy/go-control-plane/envoy/config/endpoint/v3"
	routev3 "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"github.com/rajeevramani/envoy-control-plane-v2/internal/model"
)

func TestProjectClustersSetsStrictDNSAndPolicy(t *testing.T) {
	clusters := []model.Cluster{{
		Name:      "payments",
		LBPolicy:  model.LeastRequest,
		Endpoints: []model.Endpoint{{Host: "10.0.0.1", Port: 8080}},
	}}

	anys, err := ProjectClusters(clusters, ProjectorConfig{})
	require.NoError(t, err)
	require.Len(t, anys, 1)
	require.Equal(t, ClusterTypeURL, anys[0].TypeUrl)

	var pbCluster clusterv3.Cluster
	require.NoError(t, proto.Unmarshal(anys[0].Value, &pbCluster))
	require.Equal(t, "payments", pbCluster.Name)
	require.Equal(t, clusterv3.Cluster_LEAST_REQUEST, pbCluster.LbPolicy)
	require.Equal(t, clusterv3.Cluster_STRICT_DNS, pbCluster.GetType())
	require.Equal(t, clusterv3.Cluster_V4_ONLY, pbCluster.DnsLookupFamily)
	require.Nil(t, pbCluster.TransportSocket)
}

func TestProjectClustersUsesConfiguredDiscoverySettings(t *testing.T) {
	clusters := []model.Cluster{{
		Name:      "payments",
		Endpoints: []model.Endpoint{{Host: "10.0.0.1", Port: 8080}},
	}}
	cfg := ProjectorConfig{
		DiscoveryType:   "LOGICAL_DNS",
		DNSLookupFamily: "ALL",
		DefaultProtocol: "UDP",
	}

	anys, err := ProjectClusters(clusters, cfg)
	require.NoError(t, err)

	var pbCluster clusterv3.Cluster
	require.NoError(t, proto.Unmarshal(anys[0].Value, &pbCluster))
	require.Equal(t, clusterv3.Cluster_LOGICAL_DNS, pbCluster.GetType())
	require.Equal(t, clusterv3.Cluster_ALL, pbCluster.DnsLookupFamily)
	sa := pbCluster.LoadAssignment.Endpoints[0].LbEndpoints[0].GetEndpoint().Address.GetSocketAddress()
	require.Equal(t, corev3.SocketAddress_UDP, sa.Protocol)

	claAnys, err := ProjectEndpoints(clusters, cfg)
	require.NoError(t, err)
	var cla endpointv3.ClusterLoadAssignment
	require.NoError(t, proto.Unmarshal(claAnys[0].Value, &cla))
	require.Equal(t, corev3.SocketAddress_UDP,
		cla.Endpoints[0].LbEndpoints[0].GetEndpoint().Address.GetSocketAddress().Protocol)
}

func TestProjectClustersEmitsTransportSocketForTLS(t *testing.T) {
	clusters := []model.Cluster{{
		Name:      "secure",
		Endpoints: []model.Endpoint{{Host: "secure.internal", Port: 443, TLSEnabled: true}},
	}}

	anys, err := ProjectClusters(clusters, ProjectorConfig{})
	require.NoError(t, err)

	var pbCluster clusterv3.Cluster
	require.NoError(t, proto.Unmarshal(anys[0].Value, &pbCluster))
	require.NotNil(t, pbCluster.TransportSocket)
	require.Equal(t, "envoy.transport_sockets.tls", pbCluster.TransportSocket.Name)
}

func TestProjectRoutesSingleMethodUsesExactMatch(t *testing.T) {
	routes := []model.Route{{Path: "/pay", ClusterName: "payments", HTTPMethods: []string{"GET"}}}

	anys, err := ProjectRoutes(routes, ProjectorConfig{})
	require.NoError(t, err)
	require.Len(t, anys, 1)
	require.Equal(t, RouteTypeURL, anys[0].TypeUrl)

	var rc routev3.RouteConfiguration
	require.NoError(t, proto.Unmarshal(anys[0].Value, &rc))
	require.Equal(t, "local_route", rc.Name)
	require.Len(t, rc.VirtualHosts, 1)
	vh := rc.VirtualHosts[0]
	require.Equal(t, []string{"*"}, vh.Domains)
	require.Len(t, vh.Routes, 1)

	headers := vh.Routes[0].Match.Headers
	require.Len(t, headers, 1)
	exact, ok := headers[0].HeaderMatchSpecifier.(*routev3.HeaderMatcher_ExactMatch)
	require.True(t, ok)
	require.Equal(t, "GET", exact.ExactMatch)
}

func TestProjectRoutesMultipleMethodsUsesSafeRegex(t *testing.T) {
	routes := []model.Route{{Path: "/pay", ClusterName: "payments", HTTPMethods: []string{"GET", "POST"}}}

	anys, err := ProjectRoutes(routes, ProjectorConfig{})
	require.NoError(t, err)

	var rc routev3.RouteConfiguration
	require.NoError(t, proto.Unmarshal(anys[0].Value, &rc))

	headers := rc.VirtualHosts[0].Routes[0].Match.Headers
	require.Len(t, headers, 1)
	regex, ok := headers[0].HeaderMatchSpecifier.(*routev3.HeaderMatcher_SafeRegexMatch)
	require.True(t, ok)
	require.Equal(t, "^(GET|POST)$", regex.SafeRegexMatch.Regex)
}

func TestProjectRoutesNoMethodsMatchesEverything(t *testing.T) {
	routes := []model.Route{{Path: "/open", ClusterName: "payments"}}

	anys, err := ProjectRoutes(routes, ProjectorConfig{})
	require.NoError(t, err)

	var rc routev3.RouteConfiguration
	require.NoError(t, proto.Unmarshal(anys[0].Value, &rc))
	require.Empty(t, rc.VirtualHosts[0].Routes[0].Match.Headers)
}

func TestProjectionIsDeterministic(t *testing.T) {
	clusters := []model.Cluster{
		{Name: "a", Endpoints: []model.Endpoint{{Host: "a.internal", Port: 80}}},
		{Name: "b", LBPolicy: model.RingHash, Endpoints: []model.Endpoint{{Host: "b.internal", Port: 81}, {Host: "b2.internal", Port: 82}}},
	}
	routes := []model.Route{
		{Path: "/a", ClusterName: "a", HTTPMethods: []string{"GET", "POST"}},
		{Path: "/b", ClusterName: "b", PrefixRewrite: "/v2/b"},
	}

	first, err := ProjectClusters(clusters, ProjectorConfig{})
	require.NoError(t, err)
	second, err := ProjectClusters(clusters, ProjectorConfig{})
	require.NoError(t, err)
	require.Equal(t, len(first), len(second))
	for i := range first {
		require.Equal(t, first[i].Value, second[i].Value)
	}

	firstRoutes, err := ProjectRoutes(routes, ProjectorConfig{})
	require.NoError(t, err)
	secondRoutes, err := ProjectRoutes(routes, ProjectorConfig{})
	require.NoError(t, err)
	require.Equal(t, firstRoutes[0].Value, secondRoutes[0].Value)
}

func TestProjectEndpointsMatchesClusterNameAndOrder(t *testing.T) {
	clusters := []model.Cluster{{
		Name: "payments",
		Endpoints: []model.Endpoint{
			{Host: "pay1.internal", Port: 8080},
			{Host: "pay2.internal", Port: 8081},
		},
	}}

	anys, err := ProjectEndpoints(clusters, ProjectorConfig{})
	require.NoError(t, err)
	require.Len(t, anys, 1)
	require.Equal(t, EndpointTypeURL, anys[0].TypeUrl)

	var cla endpointv3.ClusterLoadAssignment
	require.NoError(t, proto.Unmarshal(anys[0].Value, &cla))
	require.Equal(t, "payments", cla.ClusterName)
	require.Len(t, cla.Endpoints, 1)
	eps := cla.Endpoints[0].LbEndpoints
	require.Len(t, eps, 2)
	first := eps[0].GetEndpoint().Address.GetSocketAddress()
	require.Equal(t, "pay1.internal", first.Address)
	require.Equal(t, uint32(8080), first.GetPortValue())
}

func TestProjectRoutesPreservesInsertionOrder(t *testing.T) {
	routes := []model.Route{
		{Path: "/a", ClusterName: "c1"},
		{Path: "/b", ClusterName: "c2"},
		{Path: "/c", ClusterName: "c3"},
	}

	anys, err := ProjectRoutes(routes, ProjectorConfig{})
	require.NoError(t, err)

	var rc routev3.RouteConfiguration
	require.NoError(t, proto.Unmarshal(anys[0].Value, &rc))

	got := make([]string, len(rc.VirtualHosts[0].Routes))
	for i, r := range rc.VirtualHosts[0].Routes {
		got[i] = r.Match.GetPrefix()
	}
	require.Equal(t, []string{"/a", "/b", "/c"}, got)
}
