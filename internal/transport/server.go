package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/soheilhy/cmux"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"convoflow/internal/logging"
	"convoflow/internal/telemetry"
)

// Server multiplexes the gRPC control service and the HTTP endpoints
// (/metrics, /healthz, /status) on one listener.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	http   *http.Server
	lis    net.Listener
	mux    cmux.CMux
	log    *slog.Logger
}

func StartServer(port int, b Backend) (*Server, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	return NewServer(lis, b), nil
}

func NewServer(lis net.Listener, b Backend) *Server {
	s := &Server{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		lis:    lis,
		log:    logging.For("transport"),
	}
	RegisterControlServer(s.grpc, NewControlService(b))
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(ControlServiceName, healthpb.HealthCheckResponse_SERVING)

	s.http = &http.Server{Handler: Router(b), ReadHeaderTimeout: 5 * time.Second}
	return s
}

func (s *Server) Addr() net.Addr { return s.lis.Addr() }

// Serve blocks until Stop closes the listener.
func (s *Server) Serve() error {
	s.mux = cmux.New(s.lis)
	httpL := s.mux.Match(cmux.HTTP1Fast())
	grpcL := s.mux.Match(cmux.Any())

	go func() {
		if err := s.http.Serve(httpL); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, cmux.ErrListenerClosed) {
			s.log.Error("http server failed", "err", err)
		}
	}()
	go func() {
		if err := s.grpc.Serve(grpcL); err != nil && !errors.Is(err, cmux.ErrListenerClosed) {
			s.log.Error("grpc server failed", "err", err)
		}
	}()

	s.log.Info("control surface listening", "addr", s.lis.Addr().String())
	err := s.mux.Serve()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
	_ = s.http.Close()
	_ = s.lis.Close()
}

// Router serves the HTTP side of the control surface.
func Router(b Backend) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", telemetry.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(b.Report()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return r
}
