// Package keepalive holds a listening socket for the lifetime of the supervisor.
// The socket speaks the gRPC health checking protocol, so the otherwise idle
// listener also tells health checkers whether the supervised child is up.
package keepalive

import (
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/core-tools/hsu-svcmgr/pkg/errors"
	"github.com/core-tools/hsu-svcmgr/pkg/logging"
)

// Server is the keep-alive listener.
type Server struct {
	listener net.Listener
	grpc     *grpc.Server
	health   *health.Server
	service  string
	logger   logging.Logger
	release  sync.Once
	done     chan struct{}
}

// Listen binds addr and starts serving. The empty service name reports the
// supervisor itself; service reports the child.
func Listen(addr, service string, logger logging.Logger) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.NewNetworkError("failed to open keep-alive listener", err).WithContext("addr", addr)
	}

	s := &Server{
		listener: listener,
		grpc:     grpc.NewServer(),
		health:   health.NewServer(),
		service:  service,
		logger:   logger,
		done:     make(chan struct{}),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)

	go func() {
		defer close(s.done)
		if err := s.grpc.Serve(listener); err != nil {
			logger.Warnf("Keep-alive listener stopped: %v", err)
		}
	}()

	logger.Debugf("Keep-alive listening on %s", listener.Addr())
	return s, nil
}

func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Service is the health service name that tracks the child.
func (s *Server) Service() string {
	return s.service
}

// SetServing reports whether the child is currently running.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(s.service, status)
}

// Release closes the listener. Only the first call has an effect.
func (s *Server) Release() {
	s.release.Do(func() {
		s.health.Shutdown()
		s.grpc.Stop()
		<-s.done
		s.logger.Debugf("Keep-alive listener released")
	})
}
