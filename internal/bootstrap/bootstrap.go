// Package bootstrap renders the static Envoy bootstrap document that points
// a proxy at this control plane: a static cluster dialing the xDS listener,
// ADS configured over that cluster, CDS/RDS deferred to ADS, and the ingress
// listener whose route table arrives via RDS. Only configuration values are
// involved; the resource store plays no part here.
package bootstrap

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/rajeevramani/envoy-control-plane-v2/internal/config"
)

// The document is built from typed structs and marshaled, never string
// templating; the shape mirrors Envoy's bootstrap proto in YAML form.

type document struct {
	Admin            admin            `yaml:"admin"`
	Node             node             `yaml:"node"`
	DynamicResources dynamicResources `yaml:"dynamic_resources"`
	StaticResources  staticResources  `yaml:"static_resources"`
}

type admin struct {
	Address address `yaml:"address"`
}

type node struct {
	ID      string `yaml:"id"`
	Cluster string `yaml:"cluster"`
}

type dynamicResources struct {
	ADSConfig adsConfig `yaml:"ads_config"`
	CDSConfig adsSource `yaml:"cds_config"`
	RDSConfig adsSource `yaml:"rds_config"`
}

type adsConfig struct {
	APIType             string        `yaml:"api_type"`
	TransportAPIVersion string        `yaml:"transport_api_version"`
	GRPCServices        []grpcService `yaml:"grpc_services"`
}

type grpcService struct {
	EnvoyGRPC envoyGRPC `yaml:"envoy_grpc"`
}

type envoyGRPC struct {
	ClusterName string `yaml:"cluster_name"`
}

type adsSource struct {
	ADS                struct{} `yaml:"ads"`
	ResourceAPIVersion string   `yaml:"resource_api_version"`
}

type staticResources struct {
	Listeners []listener `yaml:"listeners"`
	Clusters  []cluster  `yaml:"clusters"`
}

type listener struct {
	Name         string        `yaml:"name"`
	Address      address       `yaml:"address"`
	FilterChains []filterChain `yaml:"filter_chains"`
}

type filterChain struct {
	Filters []filter `yaml:"filters"`
}

type filter struct {
	Name        string      `yaml:"name"`
	TypedConfig typedConfig `yaml:"typed_config"`
}

type typedConfig struct {
	Type        string       `yaml:"@type"`
	StatPrefix  string       `yaml:"stat_prefix"`
	RDS         rds          `yaml:"rds"`
	HTTPFilters []httpFilter `yaml:"http_filters"`
}

type rds struct {
	ConfigSource    adsSource `yaml:"config_source"`
	RouteConfigName string    `yaml:"route_config_name"`
}

type httpFilter struct {
	Name        string            `yaml:"name"`
	TypedConfig routerTypedConfig `yaml:"typed_config"`
}

type routerTypedConfig struct {
	Type string `yaml:"@type"`
}

type cluster struct {
	Name                 string         `yaml:"name"`
	Type                 string         `yaml:"type"`
	ConnectTimeout       string         `yaml:"connect_timeout"`
	DNSLookupFamily      string         `yaml:"dns_lookup_family,omitempty"`
	TypedExtensionProtos map[string]any `yaml:"typed_extension_protocol_options,omitempty"`
	LoadAssignment       loadAssignment `yaml:"load_assignment"`
}

type loadAssignment struct {
	ClusterName string             `yaml:"cluster_name"`
	Endpoints   []localityEndpoint `yaml:"endpoints"`
}

type localityEndpoint struct {
	LBEndpoints []lbEndpoint `yaml:"lb_endpoints"`
}

type lbEndpoint struct {
	Endpoint endpoint `yaml:"endpoint"`
}

type endpoint struct {
	Address address `yaml:"address"`
}

type address struct {
	SocketAddress socketAddress `yaml:"socket_address"`
}

type socketAddress struct {
	Address   string `yaml:"address"`
	PortValue int    `yaml:"port_value"`
}

const (
	hcmTypeURL    = "type.googleapis.com/envoy.extensions.filters.network.http_connection_manager.v3.HttpConnectionManager"
	routerTypeURL = "type.googleapis.com/envoy.extensions.filters.http.router.v3.Router"
	http2TypeURL  = "type.googleapis.com/envoy.extensions.upstreams.http.v3.HttpProtocolOptions"
)

// Options override the per-proxy values; zero values fall back to the
// configured defaults.
type Options struct {
	NodeID       string
	ListenerPort int
}

// Generate renders the bootstrap YAML for one proxy.
func Generate(cfg *config.AppConfig, opts Options) (string, error) {
	gen := cfg.EnvoyGeneration

	nodeID := opts.NodeID
	if nodeID == "" {
		nodeID = gen.Bootstrap.NodeID
	}
	listenerPort := opts.ListenerPort
	if listenerPort == 0 {
		listenerPort = gen.Listener.DefaultPort
	}

	v3 := adsSource{ResourceAPIVersion: "V3"}

	doc := document{
		Admin: admin{
			Address: address{SocketAddress: socketAddress{
				Address:   gen.Admin.Host,
				PortValue: gen.Admin.Port,
			}},
		},
		Node: node{ID: nodeID, Cluster: gen.Bootstrap.NodeCluster},
		DynamicResources: dynamicResources{
			ADSConfig: adsConfig{
				APIType:             "GRPC",
				TransportAPIVersion: "V3",
				GRPCServices: []grpcService{
					{EnvoyGRPC: envoyGRPC{ClusterName: gen.Bootstrap.ControlPlaneClusterName}},
				},
			},
			CDSConfig: v3,
			RDSConfig: v3,
		},
		StaticResources: staticResources{
			Listeners: []listener{{
				Name: gen.Listener.Name,
				Address: address{SocketAddress: socketAddress{
					Address:   gen.Listener.BindingAddress,
					PortValue: listenerPort,
				}},
				FilterChains: []filterChain{{
					Filters: []filter{{
						Name: gen.HTTPFilters.HCMFilterName,
						TypedConfig: typedConfig{
							Type:       hcmTypeURL,
							StatPrefix: gen.HTTPFilters.StatPrefix,
							RDS: rds{
								ConfigSource:    v3,
								RouteConfigName: gen.Naming.RouteConfigName,
							},
							HTTPFilters: []httpFilter{{
								Name:        gen.HTTPFilters.RouterFilterName,
								TypedConfig: routerTypedConfig{Type: routerTypeURL},
							}},
						},
					}},
				}},
			}},
			Clusters: []cluster{{
				Name:            gen.Bootstrap.ControlPlaneClusterName,
				Type:            gen.Cluster.DiscoveryType,
				ConnectTimeout:  fmt.Sprintf("%ds", gen.Cluster.ConnectTimeoutSeconds),
				DNSLookupFamily: gen.Cluster.DNSLookupFamily,
				// The xDS stream is gRPC; the static cluster must speak HTTP/2.
				TypedExtensionProtos: map[string]any{
					"envoy.extensions.upstreams.http.v3.HttpProtocolOptions": map[string]any{
						"@type": http2TypeURL,
						"explicit_http_config": map[string]any{
							"http2_protocol_options": map[string]any{},
						},
					},
				},
				LoadAssignment: loadAssignment{
					ClusterName: gen.Bootstrap.ControlPlaneClusterName,
					Endpoints: []localityEndpoint{{
						LBEndpoints: []lbEndpoint{{
							Endpoint: endpoint{Address: address{SocketAddress: socketAddress{
								Address:   gen.Bootstrap.ControlPlaneHost,
								PortValue: cfg.Server.XDSPort,
							}}},
						}},
					}},
				},
			}},
		},
	}

	out, err := yaml.Marshal(&doc)
	if err != nil {
		return "", fmt.Errorf("marshal bootstrap: %w", err)
	}
	return string(out), nil
}
