// Package grpcserver implements the fleet dashboard's mTLS gRPC transport
// and the FleetUplink service that boards stream fault reports over.
//
// Lifecycle
//
//	srv, err := grpcserver.New(cfg, logger, fleetSvc)
//	err = srv.Serve(ctx)  // listens on cfg.Addr and blocks until ctx is cancelled
//
// Server authenticates every connecting board via mutual TLS; the board's
// client-certificate CommonName is attached to the RPC context and
// retrievable with BoardCNFromContext. There is no unauthenticated RPC path.
package grpcserver

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"

	"github.com/fedetft/miosix-kernel-sub002/proto/fleetpb"
)

// Config carries the mTLS material and listen address for the fleet gRPC
// server.
type Config struct {
	// Addr is the address Serve listens on (e.g. ":4443"). Unused by
	// ServeOnListener, which is handed an already-bound listener.
	Addr string

	CertPath string // server certificate, PEM
	KeyPath  string // server private key, PEM
	CAPath   string // CA bundle used to verify board client certificates, PEM
}

// Server wraps a *grpc.Server configured for mutual TLS and the FleetUplink
// service.
type Server struct {
	grpcSrv *grpc.Server
	cfg     Config
	logger  *slog.Logger
}

// New builds a Server from cfg, loading the server keypair and CA bundle and
// registering svc as the FleetUplink implementation. It returns an error if
// any certificate file cannot be read or parsed.
func New(cfg Config, logger *slog.Logger, svc fleetpb.FleetUplinkServer) (*Server, error) {
	tlsCfg, err := buildServerTLSConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("grpcserver: %w", err)
	}

	grpcSrv := grpc.NewServer(
		grpc.Creds(credentials.NewTLS(tlsCfg)),
		grpc.ChainUnaryInterceptor(cnContextInterceptor),
		grpc.ChainStreamInterceptor(cnContextStreamInterceptor),
	)
	fleetpb.RegisterFleetUplinkServer(grpcSrv, svc)

	return &Server{
		grpcSrv: grpcSrv,
		cfg:     cfg,
		logger:  logger,
	}, nil
}

// buildServerTLSConfig loads the server keypair and CA bundle and returns a
// tls.Config requiring and verifying board client certificates.
func buildServerTLSConfig(cfg Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load server keypair: %w", err)
	}

	caPEM, err := os.ReadFile(cfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("read CA bundle: %w", err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse CA bundle %s: no certificates found", cfg.CAPath)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caPool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Serve opens a TCP listener on cfg.Addr and serves until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("grpcserver: listen %s: %w", s.cfg.Addr, err)
	}
	return s.ServeOnListener(ctx, lis)
}

// ServeOnListener serves the FleetUplink service on lis until ctx is
// cancelled, at which point it performs a graceful stop. lis is closed by
// the time ServeOnListener returns.
func (s *Server) ServeOnListener(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.grpcSrv.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("grpcserver: shutting down", slog.String("addr", lis.Addr().String()))
		s.grpcSrv.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// Stop immediately terminates all in-flight RPCs and closes the listener.
// Prefer cancelling the context passed to Serve/ServeOnListener for a
// graceful shutdown; Stop exists for callers that need to force a shutdown
// that has stalled.
func (s *Server) Stop() {
	s.grpcSrv.Stop()
}

// boardCNKey is the context key under which the mTLS client-certificate
// CommonName is stored.
type boardCNKey struct{}

// BoardCNFromContext returns the CommonName of the board's mTLS client
// certificate, as attached to ctx by the server's interceptors. ok is false
// when ctx carries no verified client certificate (e.g. a plain
// context.Background() in a test, or a misconfigured listener that skipped
// this server's credentials).
func BoardCNFromContext(ctx context.Context) (string, bool) {
	cn, ok := ctx.Value(boardCNKey{}).(string)
	return cn, ok && cn != ""
}

// certCNFromPeer extracts the CommonName from the mTLS client certificate
// attached to ctx's peer info. Returns "" when no peer or verified chain is
// present.
func certCNFromPeer(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return ""
	}
	tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok || len(tlsInfo.State.VerifiedChains) == 0 || len(tlsInfo.State.VerifiedChains[0]) == 0 {
		return ""
	}
	return tlsInfo.State.VerifiedChains[0][0].Subject.CommonName
}

// cnContextInterceptor attaches the board's mTLS CN to the context for unary
// RPCs so handlers can call BoardCNFromContext instead of re-deriving it from
// peer info.
func cnContextInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	ctx = context.WithValue(ctx, boardCNKey{}, certCNFromPeer(ctx))
	return handler(ctx, req)
}

// cnContextStreamInterceptor is the streaming-RPC equivalent of
// cnContextInterceptor.
func cnContextStreamInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	wrapped := &cnServerStream{
		ServerStream: ss,
		ctx:          context.WithValue(ss.Context(), boardCNKey{}, certCNFromPeer(ss.Context())),
	}
	return handler(srv, wrapped)
}

// cnServerStream overrides Context() so the CN-bearing context flows into
// streaming handlers, which read ss.Context() rather than the interceptor's
// ctx parameter.
type cnServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *cnServerStream) Context() context.Context { return s.ctx }
