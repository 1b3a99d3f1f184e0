package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/scorekeeper/changesync/capture"
	"github.com/scorekeeper/changesync/config"
	"github.com/scorekeeper/changesync/feed"
	"github.com/scorekeeper/changesync/metrics"
	"github.com/scorekeeper/changesync/middleware"
	"github.com/scorekeeper/changesync/rpc"
	"github.com/scorekeeper/changesync/store"
	"github.com/scorekeeper/changesync/store/postgres"
	"github.com/scorekeeper/changesync/store/sqlite"
	"github.com/scorekeeper/changesync/syncer"

	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/improbable-eng/grpc-web/go/grpcweb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

func main() {
	config, err := config.NewConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	logger := config.Logger()

	storage, err := openStorage(config)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open storage")
	}
	defer storage.Close()
	if err := applySchema(storage, config.AppSchemaPath); err != nil {
		logger.Fatal().Err(err).Msg("Failed to apply application schema")
	}

	registry, err := capture.NewRegistry(config.TrackedTables.Tables...)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid tracked tables")
	}
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(promRegistry)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to register metrics")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	replica := syncer.NewReplica(config.InstanceID, storage, registry, logger, m)
	changeFeed := feed.New(storage, registry)
	broadcaster := feed.NewBroadcaster(changeFeed, config.FeedPollInterval(), logger)
	replica.OnChange(broadcaster.Notify)
	quitChan := make(chan struct{})
	broadcaster.Start(quitChan)

	signer := middleware.NewSigner(config.PrivateKey.Raw)
	logger.Info().Str("pubkey", signer.PubKey()).Msg("Signing peer requests")
	clientMetrics := grpcprom.NewClientMetrics()
	promRegistry.MustRegister(clientMetrics)

	var peers []syncer.Peer
	for _, p := range config.Peers.List {
		client, err := rpc.Dial(p.ID, p.Address,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithChainUnaryInterceptor(clientMetrics.UnaryClientInterceptor(), signer.UnaryClientInterceptor()),
			grpc.WithChainStreamInterceptor(clientMetrics.StreamClientInterceptor(), signer.StreamClientInterceptor()),
		)
		if err != nil {
			logger.Fatal().Err(err).Str("peer", p.ID).Msg("Failed to create peer client")
		}
		defer client.Close()
		peers = append(peers, client)
	}

	var scheduler *syncer.Scheduler
	if len(peers) > 0 {
		coordinator := syncer.NewCoordinator(replica, config.SyncBatchSize, logger, m)
		scheduler = syncer.NewScheduler(coordinator, peers, registry.Tables(), config.SyncInterval(), logger)
		go scheduler.Run(ctx)
	}

	serverMetrics := grpcprom.NewServerMetrics(grpcprom.WithServerHandlingTimeHistogram())
	promRegistry.MustRegister(serverMetrics)
	auth := middleware.NewAuthenticator(config.TrustedPeerKeys.Keys, middleware.DefaultMaxSkew)
	if !auth.Enabled() {
		logger.Warn().Msg("TRUSTED_PEER_KEYS is empty, peer authentication is disabled")
	}
	syncServer := NewPeerSyncServer(replica, scheduler, broadcaster, changeFeed, m)
	s := CreateServer(syncServer, auth, serverMetrics)

	grpcListener, err := net.Listen("tcp", config.GrpcListenAddress)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to listen")
	}
	var httpServers []*http.Server
	if config.WebListenAddress != "" {
		httpServers = append(httpServers, serveHTTP(logger, config.WebListenAddress, webHandler(s)))
	}
	if config.MetricsListenAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
		httpServers = append(httpServers, serveHTTP(logger, config.MetricsListenAddress, mux))
	}

	go func() {
		<-ctx.Done()
		logger.Info().Msg("Shutting down")
		for _, h := range httpServers {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = h.Shutdown(shutdownCtx)
			cancel()
		}
		close(quitChan)
		s.GracefulStop()
	}()

	logger.Info().Str("address", config.GrpcListenAddress).Strs("tables", registry.Tables()).Msg("Server listening")
	if err := s.Serve(grpcListener); err != nil {
		logger.Fatal().Err(err).Msg("failed to serve")
	}
}

func openStorage(config *config.Config) (store.Storage, error) {
	if config.PgDatabaseUrl != "" {
		return postgres.NewPGSyncStorage(config.PgDatabaseUrl)
	}
	return sqlite.NewSQLiteSyncStorage(config.SQLitePath)
}

// applySchema runs the DDL that creates the tracked application tables.
func applySchema(storage store.Storage, path string) error {
	if path == "" {
		return nil
	}
	ddl, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return storage.Exec(context.Background(), string(ddl))
}

func CreateServer(syncServer rpc.PeerServer, auth *middleware.Authenticator, serverMetrics *grpcprom.ServerMetrics) *grpc.Server {
	s := grpc.NewServer(
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             time.Second * 5,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(serverMetrics.UnaryServerInterceptor(), auth.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(serverMetrics.StreamServerInterceptor(), auth.StreamServerInterceptor()),
	)
	rpc.RegisterPeerServer(s, syncServer)
	serverMetrics.InitializeMetrics(s)
	return s
}

// webHandler serves the gRPC service to browsers through grpc-web.
func webHandler(s *grpc.Server) http.Handler {
	wrapped := grpcweb.WrapServer(s,
		grpcweb.WithOriginFunc(func(string) bool { return true }),
		grpcweb.WithWebsockets(true),
		grpcweb.WithWebsocketOriginFunc(func(*http.Request) bool { return true }),
	)
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"grpc-status", "grpc-message"},
	}).Handler(wrapped)
}

func serveHTTP(logger zerolog.Logger, address string, handler http.Handler) *http.Server {
	h := &http.Server{Addr: address, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info().Str("address", address).Msg("HTTP listening")
		if err := h.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("address", address).Msg("HTTP server failed")
		}
	}()
	return h
}
