package health

import (
	"context"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vzahanych/barnwatch/internal/logger"
	"github.com/vzahanych/barnwatch/internal/service"
	"github.com/vzahanych/barnwatch/internal/stream"
)

// SiteService is the gRPC health service name of a site
func SiteService(siteID string) string {
	return "site/" + siteID
}

// GRPCServer serves grpc.health.v1. The empty service name reports the
// process; each site has its own entry that is SERVING only while the
// site streams.
type GRPCServer struct {
	*service.ServiceBase

	addr   string
	sites  []string
	health *grpchealth.Server
	server *grpc.Server

	mu       sync.Mutex
	listener net.Listener
	events   <-chan service.Event
	done     chan struct{}
}

// NewGRPCServer creates the server with every site NOT_SERVING
func NewGRPCServer(addr string, sites []string, log *logger.Logger) *GRPCServer {
	h := grpchealth.NewServer()
	for _, id := range sites {
		h.SetServingStatus(SiteService(id), healthpb.HealthCheckResponse_NOT_SERVING)
	}

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, h)
	reflection.Register(srv)

	return &GRPCServer{
		ServiceBase: service.NewServiceBase("grpc-health", log),
		addr:        addr,
		sites:       sites,
		health:      h,
		server:      srv,
	}
}

// Start listens and follows connection state events from the bus
func (s *GRPCServer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("grpc health server already started")
	}

	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc health listen on %s: %w", s.addr, err)
	}
	s.listener = lis

	if bus := s.GetEventBus(); bus != nil {
		s.events = bus.Subscribe(service.EventTypeConnectionState)
		s.done = make(chan struct{})
		go s.follow(s.events, s.done)
	}

	go func() {
		if err := s.server.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			s.LogError("gRPC health server error", err)
		}
	}()

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.GetStatus().SetStatus(service.StatusRunning)
	s.LogInfo("gRPC health server started", "addr", lis.Addr().String(), "sites", len(s.sites))
	return nil
}

func (s *GRPCServer) follow(events <-chan service.Event, done chan struct{}) {
	defer close(done)
	for ev := range events {
		site, _ := ev.Data["site_id"].(string)
		to, _ := ev.Data["to"].(string)
		if site == "" {
			continue
		}
		s.SetSiteState(site, stream.ConnectionState(to))
	}
}

// SetSiteState maps a connection state onto the site's serving status
func (s *GRPCServer) SetSiteState(siteID string, state stream.ConnectionState) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if state == stream.StateStreaming {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(SiteService(siteID), status)
}

// Addr returns the listening address once started
func (s *GRPCServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop marks everything NOT_SERVING and stops the server
func (s *GRPCServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	lis, events, done := s.listener, s.events, s.done
	s.events = nil
	s.mu.Unlock()
	if lis == nil {
		return nil
	}

	s.health.Shutdown()
	if events != nil {
		if bus := s.GetEventBus(); bus != nil {
			bus.Unsubscribe(events)
		}
		<-done
	}

	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.server.Stop()
	}

	s.GetStatus().SetStatus(service.StatusStopped)
	s.LogInfo("gRPC health server stopped")
	return nil
}
