// Copyright (C) 2026 coterie.chat <dev@coterie.chat>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/coterie-chat/coterie/backend/config"
	"github.com/coterie-chat/coterie/backend/events"
	"github.com/coterie-chat/coterie/backend/handlers"
	"github.com/coterie-chat/coterie/backend/jobs"
	"github.com/coterie-chat/coterie/backend/logging"
	"github.com/coterie-chat/coterie/backend/middleware"
	"github.com/coterie-chat/coterie/backend/models"
	"github.com/coterie-chat/coterie/backend/storage/postgres"
	redisstore "github.com/coterie-chat/coterie/backend/storage/redis"
)

func main() {
	v := config.NewViper()
	config.ApplyDefaults(v)

	root := &cobra.Command{
		Use:   "coterie-server",
		Short: "Control plane for end-to-end encrypted group conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	}

	flags := root.Flags()
	flags.String("http.address", "", "HTTP listen address")
	flags.String("database.url", "", "Postgres connection URL")
	flags.String("redis.addr", "", "Redis address")
	flags.String("log.level", "", "log level (debug, info, warn, error)")
	for _, name := range []string{"http.address", "database.url", "redis.addr", "log.level"} {
		bindFlag(v, root, name)
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func bindFlag(v *viper.Viper, cmd *cobra.Command, name string) {
	if flag := cmd.Flags().Lookup(name); flag != nil {
		v.BindPFlag(name, flag)
	}
}

// fanoutPublisher delivers each committed event to the local dispatcher
// and to Redis for peer instances.
type fanoutPublisher struct {
	local *events.Dispatcher
	redis *redisstore.Publisher
}

func (p fanoutPublisher) Publish(event models.Event) {
	p.local.Publish(event)
	p.redis.Publish(event)
}

func run(cfg config.AppConfig) error {
	log, err := logging.NewLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	dispatcher := events.NewDispatcher(log)
	publisher := fanoutPublisher{
		local: dispatcher,
		redis: redisstore.NewPublisher(rdb, log),
	}

	store := postgres.NewStore(db, publisher, postgres.Config{
		ReservationTTL: cfg.ReservationTTL,
		WelcomeGrace:   cfg.WelcomeGrace,
		MessageTTL:     cfg.MessageTTL,
	})
	if err := store.Migrate(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	idempotency := redisstore.NewIdempotencyCache(rdb, cfg.IdempotencyTTL)
	limiter := middleware.NewRateLimiter(map[string]middleware.BucketConfig{
		middleware.ClassRead:   {Burst: float64(cfg.ReadBurst), PerSec: cfg.ReadPerSec},
		middleware.ClassCreate: {Burst: float64(cfg.CreateBurst), PerSec: cfg.CreatePerSec},
		middleware.ClassSend:   {Burst: float64(cfg.SendBurst), PerSec: cfg.SendPerSec},
		middleware.ClassWrite:  {Burst: float64(cfg.WriteBurst), PerSec: cfg.WritePerSec},
	})

	convoHandler := handlers.NewConversationHandler(store, log)
	keyHandler := handlers.NewKeyPackageHandler(store, cfg.KeyPackageExpiry, log)
	welcomeHandler := handlers.NewWelcomeHandler(store, log)
	messageHandler := handlers.NewMessageHandler(store, log)
	reportHandler := handlers.NewReportHandler(store, store, log)
	eventHandler := handlers.NewEventHandler(store, store, dispatcher, log)

	r := mux.NewRouter()
	r.Use(middleware.CORS)

	api := r.PathPrefix("/api/mls").Subrouter()
	api.Use(middleware.NewAuthMiddleware(middleware.AuthConfig{
		Secret:      cfg.JWTSecret,
		Issuer:      cfg.JWTIssuer,
		KeyCacheTTL: cfg.KeyCacheTTL,
	}))
	api.Use(middleware.Idempotency(idempotency, log))

	read := func(h http.HandlerFunc) http.Handler { return limiter.Limit(middleware.ClassRead, h) }
	create := func(h http.HandlerFunc) http.Handler { return limiter.Limit(middleware.ClassCreate, h) }
	send := func(h http.HandlerFunc) http.Handler { return limiter.Limit(middleware.ClassSend, h) }
	write := func(h http.HandlerFunc) http.Handler { return limiter.Limit(middleware.ClassWrite, h) }

	api.Handle("/conversations", create(convoHandler.Create)).Methods("POST")
	api.Handle("/conversations", read(convoHandler.List)).Methods("GET")
	api.Handle("/conversations/{id}", read(convoHandler.Get)).Methods("GET")
	api.Handle("/conversations/{id}/epoch", read(convoHandler.GetEpoch)).Methods("GET")
	api.Handle("/conversations/{id}/members", write(convoHandler.AddMembers)).Methods("POST")
	api.Handle("/conversations/{id}/members", read(convoHandler.ListMembers)).Methods("GET")
	api.Handle("/conversations/{id}/members/remove", write(convoHandler.RemoveMember)).Methods("POST")
	api.Handle("/conversations/{id}/leave", write(convoHandler.Leave)).Methods("POST")
	api.Handle("/conversations/{id}/admins/{user}", write(convoHandler.PromoteAdmin)).Methods("POST")
	api.Handle("/conversations/{id}/admins/{user}", write(convoHandler.DemoteAdmin)).Methods("DELETE")
	api.Handle("/conversations/{id}/rejoin", write(convoHandler.MarkRejoin)).Methods("POST")
	api.Handle("/conversations/{id}/read", read(convoHandler.MarkRead)).Methods("POST")

	api.Handle("/conversations/{id}/messages", send(messageHandler.Send)).Methods("POST")
	api.Handle("/conversations/{id}/messages", read(messageHandler.List)).Methods("GET")

	api.Handle("/keys", write(keyHandler.Publish)).Methods("POST")
	api.Handle("/keys/status", read(keyHandler.Status)).Methods("GET")
	api.Handle("/keys/claim", write(keyHandler.Claim)).Methods("POST")

	api.Handle("/conversations/{id}/welcome", read(welcomeHandler.Fetch)).Methods("GET")
	api.Handle("/conversations/{id}/welcome", write(welcomeHandler.Deliver)).Methods("POST")
	api.Handle("/conversations/{id}/welcome/confirm", write(welcomeHandler.Confirm)).Methods("POST")

	api.Handle("/conversations/{id}/reports", write(reportHandler.Create)).Methods("POST")
	api.Handle("/conversations/{id}/reports", read(reportHandler.List)).Methods("GET")
	api.Handle("/reports/{id}/resolve", write(reportHandler.Resolve)).Methods("POST")

	api.Handle("/conversations/{id}/events", read(eventHandler.Stream)).Methods("GET")

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeper := jobs.NewSweeper(store, jobs.SweeperConfig{
		Interval:       cfg.SweepInterval,
		EventRetention: cfg.EventRetention,
		MaxPerDevice:   cfg.MaxPackagesPerDev,
	}, log)
	go sweeper.Run(ctx)

	bridge := redisstore.NewBridge(rdb, dispatcher, log)
	go func() {
		if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("event bridge exited", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:         cfg.HTTPAddress,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams stay open
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening",
			zap.String("address", cfg.HTTPAddress),
			zap.String("issuer", cfg.JWTIssuer))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
