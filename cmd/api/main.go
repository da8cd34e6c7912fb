package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"escrowflow/commission"
	"escrowflow/config"
	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/fault"
	"escrowflow/identity"
	"escrowflow/job"
	"escrowflow/migrate"
	"escrowflow/notify"
	"escrowflow/payout"
	"escrowflow/quote"
	"escrowflow/sched"
	"escrowflow/settlement"

	"github.com/redis/go-redis/v9"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	if err := run(log); err != nil {
		log.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := migrate.Apply(ctx, pool); err != nil {
		return err
	}

	var notifier notify.Publisher = notify.Nop{}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return err
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		defer rdb.Close()
		notifier = notify.NewRedisPublisher(rdb, log)
	}

	var gateway escrow.PaymentGateway
	if cfg.GatewayBaseURL != "" {
		gateway = escrow.NewHostedGateway(cfg.GatewayBaseURL, cfg.GatewayWebhookSecret)
	}

	calc := commission.New(cfg.CommissionRate)
	settlements := settlement.NewStore(pool)

	identitySvc := identity.NewService(identity.NewRepository(pool), cfg.JWTSecret)
	jobSvc := job.NewService(pool, notifier, cfg.RiskThreshold)
	quoteSvc := quote.NewService(pool, notifier)
	engine := escrow.NewEngine(pool, settlements, calc, gateway, cfg.GatewayTimeout, notifier)
	disputeSvc := dispute.NewService(pool, settlements, notifier)
	payoutSvc := payout.NewService(pool, notifier)

	log.Info("services ready",
		"identity", identitySvc != nil,
		"jobs", jobSvc != nil,
		"quotes", quoteSvc != nil,
		"disputes", disputeSvc != nil,
	)

	sweeper := sched.New(jobSvc, payoutSvc, cfg.PayoutExpiry, log)
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	webhooks := escrow.NewWebhookHandler(gateway, engine)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /webhooks/gateway", func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		signature := []byte(r.Header.Get("X-Gateway-Signature"))
		if err := webhooks.Handle(r.Context(), payload, signature); err != nil {
			// Retryable failures get a 500 so the gateway redelivers;
			// business failures are final.
			if escrow.IsRetryable(err) {
				log.Error("webhook processing failed, will be retried", "err", err)
				http.Error(w, "temporary failure", http.StatusInternalServerError)
				return
			}
			kind, _ := fault.KindOf(err)
			log.Warn("webhook rejected", "kind", kind.String(), "reason", fault.Reason(err))
			http.Error(w, fault.Reason(err), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{Addr: ":" + cfg.Port, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	return server.Shutdown(context.Background())
}
