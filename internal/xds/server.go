package xds

import (
	"context"
	"fmt"

	clusterservice "github.com/envoyproxy/go-control-plane/envoy/service/cluster/v3"
	discovery "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	routeservice "github.com/envoyproxy/go-control-plane/envoy/service/route/v3"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/rajeevramani/envoy-control-plane-v2/internal/store"
)

// discoveryStream is the subset of the three generated streaming-RPC server
// interfaces (ADS, CDS, RDS) the session loop needs. All three satisfy it
// structurally; the core logic in runSession is identical regardless of
// which service accepted the stream.
type discoveryStream interface {
	Send(*discovery.DiscoveryResponse) error
	Recv() (*discovery.DiscoveryRequest, error)
	Context() context.Context
}

// Metrics is the subset of Prometheus collectors the Discovery Server
// updates. Defined here rather than imported directly so this package does
// not need to know about metric registration; internal/metrics supplies a
// concrete implementation.
type Metrics interface {
	StreamOpened()
	StreamClosed()
	PushSent(typeURL string)
	NackReceived(typeURL string)
}

type noopMetrics struct{}

func (noopMetrics) StreamOpened()       {}
func (noopMetrics) StreamClosed()       {}
func (noopMetrics) PushSent(string)     {}
func (noopMetrics) NackReceived(string) {}

// Server is the Discovery Server: it owns no transport of its own (that's
// grpc.Server, wired by the caller) and instead implements the three
// generated service interfaces, delegating every stream to the same
// session loop.
type Server struct {
	clusterservice.UnimplementedClusterDiscoveryServiceServer
	routeservice.UnimplementedRouteDiscoveryServiceServer
	discovery.UnimplementedAggregatedDiscoveryServiceServer

	store        *store.Store
	projectorCfg ProjectorConfig
	log          *logrus.Logger
	metrics      Metrics
}

// NewServer builds a Discovery Server reading from s and projecting
// resources with cfg. metrics may be nil, in which case updates are
// dropped.
func NewServer(s *store.Store, cfg ProjectorConfig, log *logrus.Logger, metrics Metrics) *Server {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Server{store: s, projectorCfg: cfg, log: log, metrics: metrics}
}

// StreamAggregatedResources implements AggregatedDiscoveryServiceServer: one
// stream multiplexing all three resource types.
func (d *Server) StreamAggregatedResources(stream discovery.AggregatedDiscoveryService_StreamAggregatedResourcesServer) error {
	return d.runSession(stream, PushOrder)
}

// StreamClusters implements ClusterDiscoveryServiceServer: a single-type
// stream restricted to Cluster resources.
func (d *Server) StreamClusters(stream clusterservice.ClusterDiscoveryService_StreamClustersServer) error {
	return d.runSession(stream, []string{ClusterTypeURL})
}

// StreamRoutes implements RouteDiscoveryServiceServer: a single-type stream
// restricted to RouteConfiguration resources.
func (d *Server) StreamRoutes(stream routeservice.RouteDiscoveryService_StreamRoutesServer) error {
	return d.runSession(stream, []string{RouteTypeURL})
}

// runSession registers a Session with the store's broadcast, runs its read
// loop and write loop, and deregisters on return. There is exactly one
// goroutine per stream calling stream.Send (this one), so sends from the
// request path and sends from the store-notification path never race.
func (d *Server) runSession(stream discoveryStream, typeURLs []string) error {
	id := uuid.NewString()
	log := d.log.WithField("stream_id", id)
	session := NewSession(id, typeURLs, log)

	sub := d.store.Subscribe()
	defer sub.Close()

	d.metrics.StreamOpened()
	defer d.metrics.StreamClosed()

	reqCh := make(chan *discovery.DiscoveryRequest)
	recvErrCh := make(chan error, 1)
	go func() {
		for {
			req, err := stream.Recv()
			if err != nil {
				recvErrCh <- err
				return
			}
			select {
			case reqCh <- req:
			case <-stream.Context().Done():
				// The session loop already returned; the stream context is
				// cancelled with it.
				return
			}
		}
	}()

	for {
		select {
		case req := <-reqCh:
			if err := d.handleRequest(stream, session, req); err != nil {
				return err
			}

		case version := <-sub.Events():
			if err := d.pushPending(stream, session, version); err != nil {
				return err
			}

		case err := <-recvErrCh:
			return err

		case <-stream.Context().Done():
			return stream.Context().Err()
		}
	}
}

func (d *Server) handleRequest(stream discoveryStream, session *Session, req *discovery.DiscoveryRequest) error {
	typeURL := req.GetTypeUrl()
	errorDetail := ""
	if req.GetErrorDetail() != nil {
		errorDetail = req.GetErrorDetail().GetMessage()
	}

	switch session.HandleRequest(typeURL, req.GetResponseNonce(), errorDetail) {
	case ClassInitial:
		return d.push(stream, session, typeURL)
	case ClassNack:
		d.metrics.NackReceived(typeURL)
		// Store changes that arrived while the response was outstanding were
		// coalesced; now that the nonce is resolved, catch up to the latest
		// version. After a NACK this sends a strictly newer version or
		// nothing at all, never the rejected bytes again.
		return d.pushPending(stream, session, d.store.Snapshot().Version)
	case ClassAck:
		return d.pushPending(stream, session, d.store.Snapshot().Version)
	case ClassStale, ClassUnknownType:
		// No send owed; bookkeeping already updated by HandleRequest.
	}
	return nil
}

func (d *Server) pushPending(stream discoveryStream, session *Session, version uint64) error {
	for _, typeURL := range session.PendingPushes(version) {
		if err := d.push(stream, session, typeURL); err != nil {
			return err
		}
	}
	return nil
}

// push takes a fresh snapshot, projects typeURL's resources from it, and
// sends a DiscoveryResponse. The snapshot is re-read here rather than
// threaded through from the caller so the version pushed is always the
// latest, even if several notifications coalesced before this ran.
func (d *Server) push(stream discoveryStream, session *Session, typeURL string) error {
	snap := d.store.Snapshot()

	resources, err := d.project(typeURL, snap)
	if err != nil {
		d.log.WithError(err).WithField("type_url", typeURL).Error("projection failed")
		return err
	}

	nonce := session.RecordPush(typeURL, snap.Version)
	resp := &discovery.DiscoveryResponse{
		VersionInfo: fmt.Sprintf("%d", snap.Version),
		Resources:   resources,
		TypeUrl:     typeURL,
		Nonce:       nonce,
	}
	d.metrics.PushSent(typeURL)
	return stream.Send(resp)
}

func (d *Server) project(typeURL string, snap *store.Snapshot) ([]*anypb.Any, error) {
	switch typeURL {
	case ClusterTypeURL:
		return ProjectClusters(snap.OrderedClusters(), d.projectorCfg)
	case EndpointTypeURL:
		return ProjectEndpoints(snap.OrderedClusters(), d.projectorCfg)
	case RouteTypeURL:
		return ProjectRoutes(snap.OrderedRoutes(), d.projectorCfg)
	default:
		return nil, fmt.Errorf("unsupported type_url: %s", typeURL)
	}
}
