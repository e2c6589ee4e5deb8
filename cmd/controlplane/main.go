package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	clusterservice "github.com/envoyproxy/go-control-plane/envoy/service/cluster/v3"
	discoveryservice "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	routeservice "github.com/envoyproxy/go-control-plane/envoy/service/route/v3"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/rajeevramani/envoy-control-plane-v2/internal/admin"
	"github.com/rajeevramani/envoy-control-plane-v2/internal/config"
	"github.com/rajeevramani/envoy-control-plane-v2/internal/metrics"
	"github.com/rajeevramani/envoy-control-plane-v2/internal/model"
	"github.com/rajeevramani/envoy-control-plane-v2/internal/store"
	"github.com/rajeevramani/envoy-control-plane-v2/internal/validation"
	"github.com/rajeevramani/envoy-control-plane-v2/internal/xds"
)

var logLevels = map[string]logrus.Level{
	"error": logrus.ErrorLevel,
	"warn":  logrus.WarnLevel,
	"info":  logrus.InfoLevel,
	"debug": logrus.DebugLevel,
	"trace": logrus.TraceLevel,
}

func main() {
	configPath := flag.String("config", "./cmd/config.yaml", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetLevel(logLevels[cfg.Logging.Level])

	policies := validation.Policies{Default: model.LBPolicy(cfg.LoadBalancing.DefaultPolicy)}
	for _, p := range cfg.LoadBalancing.AvailablePolicies {
		policies.Available = append(policies.Available, model.LBPolicy(p))
	}
	methods := validation.Methods{Supported: map[string]bool{}}
	for _, m := range cfg.HTTPMethods.SupportedMethods {
		methods.Supported[m] = true
	}

	st := store.New(policies, methods)
	reg := metrics.NewRegistry()
	reg.SetStoreVersion(st.Snapshot().Version)

	projCfg := xds.ProjectorConfig{
		ConnectTimeoutSeconds: int64(cfg.EnvoyGeneration.Cluster.ConnectTimeoutSeconds),
		DiscoveryType:         cfg.EnvoyGeneration.Cluster.DiscoveryType,
		DNSLookupFamily:       cfg.EnvoyGeneration.Cluster.DNSLookupFamily,
		DefaultProtocol:       cfg.EnvoyGeneration.Cluster.DefaultProtocol,
		RouteConfigName:       cfg.EnvoyGeneration.Naming.RouteConfigName,
		VirtualHostName:       cfg.EnvoyGeneration.Naming.VirtualHostName,
		DefaultDomains:        cfg.EnvoyGeneration.Naming.DefaultDomains,
	}

	grpcOpts := []grpc.ServerOption{}
	if cfg.TLS.Enabled {
		creds, err := credentials.NewServerTLSFromFile(cfg.TLS.CertPath, cfg.TLS.KeyPath)
		if err != nil {
			log.WithError(err).Fatal("load TLS materials")
		}
		grpcOpts = append(grpcOpts, grpc.Creds(creds))
	}
	grpcServer := grpc.NewServer(grpcOpts...)
	xdsServer := xds.NewServer(st, projCfg, log, reg)
	discoveryservice.RegisterAggregatedDiscoveryServiceServer(grpcServer, xdsServer)
	clusterservice.RegisterClusterDiscoveryServiceServer(grpcServer, xdsServer)
	routeservice.RegisterRouteDiscoveryServiceServer(grpcServer, xdsServer)

	xdsAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.XDSPort)
	lis, err := net.Listen("tcp", xdsAddr)
	if err != nil {
		log.WithError(err).Fatal("listen xds")
	}

	adminServer := admin.NewServer(st, cfg, log, nil, reg)
	restSrv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.RESTPort),
		Handler:           adminServer.Router(reg),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.WithFields(logrus.Fields{
		"rest": restSrv.Addr,
		"xds":  xdsAddr,
		"tls":  cfg.TLS.Enabled,
	}).Info("control plane starting")

	errCh := make(chan error, 2)
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("xds serve: %w", err)
		}
	}()
	go func() {
		if err := restSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("rest serve: %w", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		log.WithError(err).Error("server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = restSrv.Shutdown(shutdownCtx)
	grpcServer.GracefulStop()
}
