package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/marketchat/relay/internal/ban"
	"github.com/marketchat/relay/internal/chat"
	"github.com/marketchat/relay/internal/config"
	"github.com/marketchat/relay/internal/gateway"
	"github.com/marketchat/relay/internal/httpapi"
	"github.com/marketchat/relay/internal/messaging"
	"github.com/marketchat/relay/internal/metrics"
	"github.com/marketchat/relay/internal/presence"
	"github.com/marketchat/relay/internal/ratelimit"
	"github.com/marketchat/relay/internal/relay"
	"github.com/marketchat/relay/internal/session"
	"github.com/marketchat/relay/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	serverConfig := cfg.Server()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Redis ---
	sessionStore, err := session.NewStore(cfg.RedisAddr, cfg.ServerName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}

	// --- Message store ---
	store, err := chat.Open(ctx, cfg.Store(sessionStore.Client()))
	if err != nil {
		log.Fatalf("failed to open %s store: %v", cfg.StoreBackend, err)
	}
	switch s := store.(type) {
	case *chat.PostgresStore:
		go s.RunSweeper(ctx, cfg.SweepInterval)
	case *chat.BadgerStore:
		go s.RunGC(ctx, cfg.SweepInterval)
	}

	log.Printf("Relay server starting")
	log.Printf("  listen_addr:     %s", serverConfig.ListenAddr)
	log.Printf("  worker_pool:     %d", serverConfig.WorkerPoolSize)
	log.Printf("  max_connections: %d", serverConfig.MaxConnections)
	log.Printf("  read_timeout:    %s", serverConfig.ReadTimeout)
	log.Printf("  write_timeout:   %s", serverConfig.WriteTimeout)
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  store_backend:   %s", cfg.StoreBackend)
	log.Printf("  nats_url:        %s", cfg.NATSURL)
	log.Printf("  server_name:     %s", cfg.ServerName)

	registry := presence.NewRegistry()
	sessions := session.NewManager(registry, sessionStore)
	dispatcher := ws.NewMessageDispatcher()

	server := ws.NewServer(serverConfig, sessions, dispatcher.Dispatch)
	server.SetHeartbeat(cfg.Heartbeat())
	bans := ban.NewStore(sessionStore.Client())
	var limit ws.Admission
	if cfg.ConnectLimit > 0 {
		limiter := ratelimit.NewLimiter(sessionStore.Client())
		limit = limiter.Admission(ratelimit.ConnectRule(cfg.ConnectLimit))
	}
	server.SetAdmission(bans.Admission(limit))

	var opts []relay.Option

	// --- NATS (optional) ---
	var natsClient *messaging.NATSClient
	var fanout *messaging.Fanout
	if cfg.NATSURL != "" {
		natsClient, err = messaging.NewNATSClient(cfg.NATS())
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		fanout = messaging.NewFanout(natsClient, cfg.ServerName)
		opts = append(opts, relay.WithFanout(fanout))
	}

	r := relay.New(store, registry, gateway.NewPusher(server), opts...)
	gateway.New(sessions, r).Register(dispatcher)

	if fanout != nil {
		if err := fanout.Subscribe(r.Deliver); err != nil {
			log.Fatalf("failed to subscribe to %s: %v", messaging.SubjectDeliver, err)
		}
	}

	api := httpapi.New(r, store, registry, httpapi.AdminCredentials{
		Email:    cfg.AdminEmail,
		Password: cfg.AdminPassword,
		Secret:   []byte(cfg.JWTSecret),
	}).WithBans(bans)
	server.Handle("/api/", api.Router())
	server.Handle("/metrics", metrics.Handler())
	if !cfg.AdminEnabled() {
		log.Printf("admin routes disabled (ADMIN_EMAIL/ADMIN_PASSWORD/JWT_SECRET unset)")
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if natsClient != nil {
			natsClient.Close()
		}
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		cancel()
		if err := store.Close(); err != nil {
			log.Printf("message store close error: %v", err)
		}
		if err := sessionStore.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
