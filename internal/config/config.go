// Package config loads and validates the single YAML document that
// configures every other component at startup.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// envPrefix is the override namespace: CONTROLPLANE_SERVER_REST_PORT etc.
const envPrefix = "CONTROLPLANE_"

type AppConfig struct {
	Server          ServerConfig          `yaml:"server"`
	Logging         LoggingConfig         `yaml:"logging"`
	LoadBalancing   LoadBalancingConfig   `yaml:"load_balancing"`
	HTTPMethods     HTTPMethodsConfig     `yaml:"http_methods"`
	EnvoyGeneration EnvoyGenerationConfig `yaml:"envoy_generation"`
	TLS             TLSConfig             `yaml:"tls"`
}

type ServerConfig struct {
	RESTPort int    `yaml:"rest_port"`
	XDSPort  int    `yaml:"xds_port"`
	Host     string `yaml:"host"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type LoadBalancingConfig struct {
	AvailablePolicies []string `yaml:"available_policies"`
	DefaultPolicy     string   `yaml:"default_policy"`
}

type HTTPMethodsConfig struct {
	SupportedMethods []string `yaml:"supported_methods"`
}

// EnvoyGenerationConfig feeds both the bootstrap generator and the
// protobuf projector.
type EnvoyGenerationConfig struct {
	Admin       AdminConfig       `yaml:"admin"`
	Listener    ListenerConfig    `yaml:"listener"`
	Cluster     ClusterGenConfig  `yaml:"cluster"`
	Naming      NamingConfig      `yaml:"naming"`
	Bootstrap   BootstrapConfig   `yaml:"bootstrap"`
	HTTPFilters HTTPFiltersConfig `yaml:"http_filters"`
}

type AdminConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type ListenerConfig struct {
	Name           string `yaml:"name"`
	BindingAddress string `yaml:"binding_address"`
	DefaultPort    int    `yaml:"default_port"`
}

type ClusterGenConfig struct {
	ConnectTimeoutSeconds int    `yaml:"connect_timeout_seconds"`
	DiscoveryType         string `yaml:"discovery_type"`
	DNSLookupFamily       string `yaml:"dns_lookup_family"`
	DefaultProtocol       string `yaml:"default_protocol"`
}

type NamingConfig struct {
	VirtualHostName string   `yaml:"virtual_host_name"`
	RouteConfigName string   `yaml:"route_config_name"`
	DefaultDomains  []string `yaml:"default_domains"`
}

type BootstrapConfig struct {
	NodeID                  string `yaml:"node_id"`
	NodeCluster             string `yaml:"node_cluster"`
	ControlPlaneHost        string `yaml:"control_plane_host"`
	ControlPlaneClusterName string `yaml:"control_plane_cluster_name"`
}

type HTTPFiltersConfig struct {
	StatPrefix       string `yaml:"stat_prefix"`
	RouterFilterName string `yaml:"router_filter_name"`
	HCMFilterName    string `yaml:"hcm_filter_name"`
}

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
}

// Load reads path, applies CONTROLPLANE_-prefixed environment overrides,
// validates the result, and fails fast with a message naming the offending
// field rather than returning a partially-usable config.
func Load(path string) (*AppConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg AppConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills every field the document left unset with the same
// defaults the admin API and projector assume, so a minimal config file
// stays minimal. Validation still runs afterwards: a field that is set
// badly is an error, never silently replaced.
func ApplyDefaults(cfg *AppConfig) {
	if cfg.Server.RESTPort == 0 {
		cfg.Server.RESTPort = 8080
	}
	if cfg.Server.XDSPort == 0 {
		cfg.Server.XDSPort = 18000
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if len(cfg.LoadBalancing.AvailablePolicies) == 0 {
		cfg.LoadBalancing.AvailablePolicies = []string{"ROUND_ROBIN", "LEAST_REQUEST", "RANDOM", "RING_HASH"}
	}
	if cfg.LoadBalancing.DefaultPolicy == "" {
		cfg.LoadBalancing.DefaultPolicy = "ROUND_ROBIN"
	}
	if len(cfg.HTTPMethods.SupportedMethods) == 0 {
		cfg.HTTPMethods.SupportedMethods = []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS", "TRACE", "CONNECT"}
	}

	gen := &cfg.EnvoyGeneration
	if gen.Admin.Host == "" {
		gen.Admin.Host = "127.0.0.1"
	}
	if gen.Admin.Port == 0 {
		gen.Admin.Port = 9901
	}
	if gen.Listener.Name == "" {
		gen.Listener.Name = "main_listener"
	}
	if gen.Listener.BindingAddress == "" {
		gen.Listener.BindingAddress = "0.0.0.0"
	}
	if gen.Listener.DefaultPort == 0 {
		gen.Listener.DefaultPort = 10000
	}
	if gen.Cluster.ConnectTimeoutSeconds == 0 {
		gen.Cluster.ConnectTimeoutSeconds = 5
	}
	if gen.Cluster.DiscoveryType == "" {
		gen.Cluster.DiscoveryType = "STRICT_DNS"
	}
	if gen.Cluster.DNSLookupFamily == "" {
		gen.Cluster.DNSLookupFamily = "V4_ONLY"
	}
	if gen.Cluster.DefaultProtocol == "" {
		gen.Cluster.DefaultProtocol = "TCP"
	}
	if gen.Naming.VirtualHostName == "" {
		gen.Naming.VirtualHostName = "local_service"
	}
	if gen.Naming.RouteConfigName == "" {
		gen.Naming.RouteConfigName = "local_route"
	}
	if len(gen.Naming.DefaultDomains) == 0 {
		gen.Naming.DefaultDomains = []string{"*"}
	}
	if gen.Bootstrap.NodeID == "" {
		gen.Bootstrap.NodeID = "envoy-node"
	}
	if gen.Bootstrap.NodeCluster == "" {
		gen.Bootstrap.NodeCluster = "envoy-cluster"
	}
	if gen.Bootstrap.ControlPlaneHost == "" {
		gen.Bootstrap.ControlPlaneHost = "control-plane"
	}
	if gen.Bootstrap.ControlPlaneClusterName == "" {
		gen.Bootstrap.ControlPlaneClusterName = "control_plane_cluster"
	}
	if gen.HTTPFilters.StatPrefix == "" {
		gen.HTTPFilters.StatPrefix = "ingress_http"
	}
	if gen.HTTPFilters.RouterFilterName == "" {
		gen.HTTPFilters.RouterFilterName = "envoy.filters.http.router"
	}
	if gen.HTTPFilters.HCMFilterName == "" {
		gen.HTTPFilters.HCMFilterName = "envoy.filters.network.http_connection_manager"
	}
}

func applyEnvOverrides(cfg *AppConfig) {
	if v := os.Getenv(envPrefix + "SERVER_REST_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.RESTPort = p
		}
	}
	if v := os.Getenv(envPrefix + "SERVER_XDS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.XDSPort = p
		}
	}
	if v := os.Getenv(envPrefix + "SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv(envPrefix + "LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv(envPrefix + "TLS_ENABLED"); v != "" {
		cfg.TLS.Enabled = strings.EqualFold(v, "true")
	}
}

var validLevels = map[string]bool{"error": true, "warn": true, "info": true, "debug": true, "trace": true}

// Validate enforces the startup rules: ports in 1..65535 and distinct,
// hosts parseable, timeouts in 1..300 seconds, default_policy a member of
// available_policies.
func Validate(cfg *AppConfig) error {
	if err := validatePort("server.rest_port", cfg.Server.RESTPort); err != nil {
		return err
	}
	if err := validatePort("server.xds_port", cfg.Server.XDSPort); err != nil {
		return err
	}
	if cfg.Server.RESTPort == cfg.Server.XDSPort {
		return fmt.Errorf("server.rest_port and server.xds_port must be distinct, both %d", cfg.Server.RESTPort)
	}
	if err := validateHost("server.host", cfg.Server.Host); err != nil {
		return err
	}

	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		return fmt.Errorf("logging.level %q must be one of error|warn|info|debug|trace", cfg.Logging.Level)
	}

	if len(cfg.LoadBalancing.AvailablePolicies) > 0 {
		found := false
		for _, p := range cfg.LoadBalancing.AvailablePolicies {
			if p == cfg.LoadBalancing.DefaultPolicy {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("load_balancing.default_policy %q is not a member of load_balancing.available_policies", cfg.LoadBalancing.DefaultPolicy)
		}
	}

	if t := cfg.EnvoyGeneration.Cluster.ConnectTimeoutSeconds; t < 1 || t > 300 {
		return fmt.Errorf("envoy_generation.cluster.connect_timeout_seconds must be in 1..300, got %d", t)
	}

	if cfg.TLS.Enabled {
		if cfg.TLS.CertPath == "" || cfg.TLS.KeyPath == "" {
			return fmt.Errorf("tls.cert_path and tls.key_path are required when tls.enabled is true")
		}
	}

	return nil
}

func validatePort(field string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be in 1..65535, got %d", field, port)
	}
	return nil
}

var hostnameRe = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9.-]*[a-zA-Z0-9])?$`)

func validateHost(field, host string) error {
	host = strings.TrimSpace(host)
	if host == "" {
		return fmt.Errorf("%s must not be empty", field)
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	if !hostnameRe.MatchString(host) {
		return fmt.Errorf("%s %q is neither an IP address nor a hostname", field, host)
	}
	return nil
}
