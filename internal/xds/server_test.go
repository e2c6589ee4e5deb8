package xds

import (
	"context"
	"testing"
	"time"

	clusterv3 "github.com/envoyproxy/go-control-plane/envoy/config/cluster/v3"
	routev3 "github.com/envoyproxy/go-control-plane/envoy/config/route/v3"
	discovery "github.com/envoyproxy/go-control-plane/envoy/service/discovery/v3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	statuspb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/proto"

	"github.com/rajeevramani/envoy-control-plane-v2/internal/model"
	"github.com/rajeevramani/envoy-control-plane-v2/internal/store"
	"github.com/rajeevramani/envoy-control-plane-v2/internal/validation"
)

// fakeStream is an in-process stand-in for a gRPC bidi stream, driven by
// test code feeding reqCh and draining Sent.
type fakeStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	reqCh  chan *discovery.DiscoveryRequest
	Sent   chan *discovery.DiscoveryResponse
}

func newFakeStream() *fakeStream {
	ctx, cancel := context.WithCancel(context.Background())
	return &fakeStream{
		ctx:    ctx,
		cancel: cancel,
		reqCh:  make(chan *discovery.DiscoveryRequest),
		Sent:   make(chan *discovery.DiscoveryResponse, 16),
	}
}

func (f *fakeStream) Send(r *discovery.DiscoveryResponse) error {
	f.Sent <- r
	return nil
}

func (f *fakeStream) Recv() (*discovery.DiscoveryRequest, error) {
	select {
	case req, ok := <-f.reqCh:
		if !ok {
			return nil, context.Canceled
		}
		return req, nil
	case <-f.ctx.Done():
		return nil, f.ctx.Err()
	}
}

func (f *fakeStream) Context() context.Context { return f.ctx }

func (f *fakeStream) SetHeader(metadata.MD) error  { return nil }
func (f *fakeStream) SendHeader(metadata.MD) error { return nil }
func (f *fakeStream) SetTrailer(metadata.MD)       {}
func (f *fakeStream) SendMsg(m interface{}) error  { return nil }
func (f *fakeStream) RecvMsg(m interface{}) error  { return nil }

func (f *fakeStream) sendRequest(typeURL, nonce, errDetail string) {
	req := &discovery.DiscoveryRequest{TypeUrl: typeURL, ResponseNonce: nonce}
	if errDetail != "" {
		req.ErrorDetail = &statuspb.Status{Message: errDetail}
	}
	f.reqCh <- req
}

func testServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	s := store.New(validation.Policies{}, validation.Methods{})
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	srv := NewServer(s, ProjectorConfig{}, log, nil)
	return srv, s
}

func recvWithin(t *testing.T, ch <-chan *discovery.DiscoveryResponse, d time.Duration) *discovery.DiscoveryResponse {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(d):
		t.Fatal("timed out waiting for a response")
		return nil
	}
}

func TestADSPushOrderOnInitialConnect(t *testing.T) {
	srv, s := testServer(t)
	require.NoError(t, s.PutCluster(model.Cluster{
		Name:      "httpbin-service",
		Endpoints: []model.Endpoint{{Host: "httpbin.org", Port: 80}},
	}))
	_, err := s.CreateRoute(model.Route{Path: "/get", ClusterName: "httpbin-service", PrefixRewrite: "/get"})
	require.NoError(t, err)

	stream := newFakeStream()
	done := make(chan error, 1)
	go func() { done <- srv.StreamAggregatedResources(stream) }()

	stream.sendRequest(ClusterTypeURL, "", "")
	clusterResp := recvWithin(t, stream.Sent, time.Second)
	require.Equal(t, ClusterTypeURL, clusterResp.TypeUrl)

	stream.sendRequest(RouteTypeURL, "", "")
	routeResp := recvWithin(t, stream.Sent, time.Second)
	require.Equal(t, RouteTypeURL, routeResp.TypeUrl)

	var pbCluster clusterv3.Cluster
	require.NoError(t, proto.Unmarshal(clusterResp.Resources[0].Value, &pbCluster))
	require.Equal(t, "httpbin-service", pbCluster.Name)

	var rc routev3.RouteConfiguration
	require.NoError(t, proto.Unmarshal(routeResp.Resources[0].Value, &rc))
	require.Equal(t, "/get", rc.VirtualHosts[0].Routes[0].Match.GetPrefix())

	stream.cancel()
	<-done
}

// The stream subscribes to clusters only. Versions are global, so a stream
// that was also IN_SYNC for routes would receive a RouteConfiguration push
// for this mutation as well.
func TestUpdateIsPushedOnceToInSyncClusterStream(t *testing.T) {
	srv, s := testServer(t)
	require.NoError(t, s.PutCluster(model.Cluster{
		Name:      "httpbin-service",
		Endpoints: []model.Endpoint{{Host: "httpbin.org", Port: 80}},
	}))

	stream := newFakeStream()
	done := make(chan error, 1)
	go func() { done <- srv.StreamAggregatedResources(stream) }()

	stream.sendRequest(ClusterTypeURL, "", "")
	initial := recvWithin(t, stream.Sent, time.Second)
	stream.sendRequest(ClusterTypeURL, initial.Nonce, "")

	require.NoError(t, s.PutCluster(model.Cluster{
		Name: "httpbin-service",
		Endpoints: []model.Endpoint{
			{Host: "httpbin.org", Port: 80},
			{Host: "httpbin.org", Port: 8080},
		},
	}))

	update := recvWithin(t, stream.Sent, time.Second)
	require.Equal(t, ClusterTypeURL, update.TypeUrl)
	require.NotEqual(t, initial.VersionInfo, update.VersionInfo)

	select {
	case extra := <-stream.Sent:
		t.Fatalf("unexpected extra push after the cluster update: %v", extra.TypeUrl)
	case <-time.After(100 * time.Millisecond):
	}

	stream.cancel()
	<-done
}

func TestNackedVersionIsNotResentAfterSubsequentChange(t *testing.T) {
	srv, s := testServer(t)
	require.NoError(t, s.PutCluster(model.Cluster{
		Name:      "httpbin-service",
		Endpoints: []model.Endpoint{{Host: "httpbin.org", Port: 80}},
	}))

	stream := newFakeStream()
	done := make(chan error, 1)
	go func() { done <- srv.StreamAggregatedResources(stream) }()

	stream.sendRequest(ClusterTypeURL, "", "")
	first := recvWithin(t, stream.Sent, time.Second)

	stream.sendRequest(ClusterTypeURL, first.Nonce, "bad cluster config")

	select {
	case resp := <-stream.Sent:
		t.Fatalf("the NACKed version must not be re-sent, got %v", resp.VersionInfo)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, s.PutCluster(model.Cluster{
		Name:      "second",
		Endpoints: []model.Endpoint{{Host: "second.internal", Port: 80}},
	}))

	retry := recvWithin(t, stream.Sent, time.Second)
	require.Equal(t, ClusterTypeURL, retry.TypeUrl)
	require.Greater(t, retry.VersionInfo, first.VersionInfo)
	require.Len(t, retry.Resources, 2, "the fresh attempt reflects both clusters")

	stream.cancel()
	<-done
}

func TestChangeDuringOutstandingPushIsSentAfterAck(t *testing.T) {
	srv, s := testServer(t)
	require.NoError(t, s.PutCluster(model.Cluster{
		Name:      "httpbin-service",
		Endpoints: []model.Endpoint{{Host: "httpbin.org", Port: 80}},
	}))

	stream := newFakeStream()
	done := make(chan error, 1)
	go func() { done <- srv.StreamAggregatedResources(stream) }()

	stream.sendRequest(ClusterTypeURL, "", "")
	first := recvWithin(t, stream.Sent, time.Second)

	// Mutate while the initial push is still unacknowledged; the change is
	// coalesced, not sent immediately.
	require.NoError(t, s.PutCluster(model.Cluster{
		Name:      "second",
		Endpoints: []model.Endpoint{{Host: "second.internal", Port: 80}},
	}))

	stream.sendRequest(ClusterTypeURL, first.Nonce, "")
	caughtUp := recvWithin(t, stream.Sent, time.Second)
	require.Equal(t, ClusterTypeURL, caughtUp.TypeUrl)
	require.Greater(t, caughtUp.VersionInfo, first.VersionInfo)

	stream.cancel()
	<-done
}

func TestReconnectRestartsFromInitialRequests(t *testing.T) {
	srv, s := testServer(t)
	require.NoError(t, s.PutCluster(model.Cluster{
		Name:      "httpbin-service",
		Endpoints: []model.Endpoint{{Host: "httpbin.org", Port: 80}},
	}))
	_, err := s.CreateRoute(model.Route{Path: "/get", ClusterName: "httpbin-service"})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		stream := newFakeStream()
		done := make(chan error, 1)
		go func() { done <- srv.StreamAggregatedResources(stream) }()

		stream.sendRequest(ClusterTypeURL, "", "")
		clusterResp := recvWithin(t, stream.Sent, time.Second)
		require.Equal(t, ClusterTypeURL, clusterResp.TypeUrl)

		stream.sendRequest(RouteTypeURL, "", "")
		routeResp := recvWithin(t, stream.Sent, time.Second)
		require.Equal(t, RouteTypeURL, routeResp.TypeUrl)

		stream.cancel()
		<-done
	}
}
