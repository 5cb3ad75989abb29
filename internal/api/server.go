// Package api provides the HTTP, WebSocket and gRPC surfaces of the relay:
// the client gateway, the query API and the health endpoint.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"tickrelay/internal/obs"
	"tickrelay/internal/store"
)

// Deps are the components the server exposes.
type Deps struct {
	Broker       Historian
	Session      SessionChecker
	Orders       store.OrderStore
	Trader       Trader
	Gateway      *Gateway
	Metrics      *obs.Metrics
	HistoryLimit int
}

// Server hosts the HTTP listener and, when grpcAddr is set, the gRPC health
// listener.
type Server struct {
	httpAddr string
	grpcAddr string
	deps     Deps
	log      *slog.Logger

	http   *http.Server
	grpc   *grpc.Server
	health *HealthWatcher
}

// NewServer creates a Server. An empty grpcAddr disables gRPC.
func NewServer(httpAddr, grpcAddr string, deps Deps, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		httpAddr: httpAddr,
		grpcAddr: grpcAddr,
		deps:     deps,
		log:      log.With("component", "api"),
	}
	s.http = &http.Server{
		Addr:              httpAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if grpcAddr != "" {
		s.grpc = grpc.NewServer()
		s.health = NewHealthWatcher(deps.Session, s.log)
		s.health.Register(s.grpc)
	}
	return s
}

// ListenAndServe starts the listeners and blocks until ctx is cancelled or
// a listener fails. It shuts everything down before returning.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpLn, err := net.Listen("tcp", s.httpAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpAddr, err)
	}
	var grpcLn net.Listener
	if s.grpc != nil {
		grpcLn, err = net.Listen("tcp", s.grpcAddr)
		if err != nil {
			httpLn.Close()
			return fmt.Errorf("listening on %s: %w", s.grpcAddr, err)
		}
	}
	return s.Serve(ctx, httpLn, grpcLn)
}

// Serve runs on already-open listeners. grpcLn may be nil.
func (s *Server) Serve(ctx context.Context, httpLn, grpcLn net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := s.http.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if s.grpc != nil && grpcLn != nil {
		g.Go(func() error {
			s.log.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := s.grpc.Serve(grpcLn); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			s.health.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown gracefully stops the gateway, the HTTP server and the gRPC
// server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down API server")

	var errs []error
	if s.deps.Gateway != nil {
		if err := s.deps.Gateway.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("gateway shutdown: %w", err))
		}
	}
	if err := s.http.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
	return errors.Join(errs...)
}
