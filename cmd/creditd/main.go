package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/venturahub/creditd/internal/platform/auth"
	"github.com/venturahub/creditd/internal/platform/clock"
	"github.com/venturahub/creditd/internal/platform/kv"
	"github.com/venturahub/creditd/internal/platform/server"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.RealClock{}
	httpAddr := envOr("CREDITD_HTTP_ADDR", ":8080")
	databaseURL := envOr("CREDITD_DATABASE_URL", "")
	redisURL := envOr("CREDITD_REDIS_URL", "")
	jwtSecret := envOr("CREDITD_JWT_SECRET", "")
	if jwtSecret == "" {
		log.Fatal("CREDITD_JWT_SECRET must be set")
	}
	jwtTTL, err := time.ParseDuration(envOr("CREDITD_JWT_TTL", "12h"))
	if err != nil {
		log.Fatalf("parse CREDITD_JWT_TTL: %v", err)
	}
	pollInterval, err := time.ParseDuration(envOr("CREDITD_PAYMENT_POLL_INTERVAL", "1m"))
	if err != nil {
		log.Fatalf("parse CREDITD_PAYMENT_POLL_INTERVAL: %v", err)
	}
	webhookCIDRs := strings.Split(envOr("CREDITD_WEBHOOK_CIDRS", ""), ",")
	tlsCfg, err := server.BuildTLSConfig(server.TLSConfig{
		Enabled:  envOr("CREDITD_TLS_ENABLED", "false") == "true",
		CertFile: envOr("CREDITD_TLS_CERT_FILE", ""),
		KeyFile:  envOr("CREDITD_TLS_KEY_FILE", ""),
	})
	if err != nil {
		log.Fatalf("configure tls: %v", err)
	}

	var db *sql.DB
	if databaseURL != "" {
		db, err = sql.Open("pgx", databaseURL)
		if err != nil {
			log.Fatalf("open database: %v", err)
		}
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("ping database: %v", err)
		}
		defer db.Close()
	}

	locks, err := kv.Open(redisURL)
	if err != nil {
		log.Fatalf("open redis: %v", err)
	}
	defer locks.Close()

	metrics := server.NewMetrics()
	signer := auth.NewTokenSigner(jwtSecret, jwtTTL)
	verifier := auth.NewJWTVerifier(jwtSecret)

	gateway := server.NewHTTPPixGateway(
		envOr("CREDITD_PIX_BASE_URL", ""),
		envOr("CREDITD_PIX_PUBLIC_KEY", ""),
		envOr("CREDITD_PIX_SECRET_KEY", ""),
	)
	gateway.Metrics = metrics

	var accountsSvc *server.AccountsService
	var ledgerSvc *server.LedgerService
	var settlementSvc *server.SettlementService
	if db != nil {
		accountsSvc = server.NewAccountsService(clk, db)
		ledgerSvc = server.NewLedgerService(clk, accountsSvc, db)
		settlementSvc = server.NewSettlementService(clk, accountsSvc, ledgerSvc, gateway, db)
	} else {
		accountsSvc = server.NewAccountsService(clk)
		ledgerSvc = server.NewLedgerService(clk, accountsSvc)
		settlementSvc = server.NewSettlementService(clk, accountsSvc, ledgerSvc, gateway)
	}
	ledgerSvc.Metrics = metrics
	settlementSvc.Metrics = metrics
	sessionsSvc := server.NewSessionsService(clk, accountsSvc, dbArgs(db)...)
	identitySvc := server.NewIdentityService(clk, accountsSvc, sessionsSvc, signer, locks)
	identitySvc.Metrics = metrics

	guard, err := server.NewWebhookGuard(clk, settlementSvc.AuditStore, webhookCIDRs)
	if err != nil {
		log.Fatalf("configure webhook guard: %v", err)
	}

	router := mux.NewRouter()
	server.SystemHandler{}.Register(router)
	authHandler := &server.AuthHandler{Identity: identitySvc}
	authHandler.Register(router)
	creditsHandler := &server.CreditsHandler{Identity: identitySvc, Accounts: accountsSvc, Ledger: ledgerSvc}
	creditsHandler.Register(router)
	adminsHandler := &server.AdminsHandler{Identity: identitySvc, Accounts: accountsSvc}
	adminsHandler.Register(router)
	paymentsHandler := &server.PaymentsHandler{Identity: identitySvc, Settlement: settlementSvc}
	paymentsHandler.Register(router)
	paymentsHandler.RegisterWebhook(router, guard)

	handler := auth.HTTPJWTMiddlewareWithSkips(verifier, router, []string{
		"/healthz",
		"/metrics",
		"/api/auth/login",
		"/api/payments/pix/webhook",
	})
	httpServer := &http.Server{Addr: httpAddr, Handler: handler, TLSConfig: tlsCfg}

	settlementSvc.StartStatusPollWorker(ctx, pollInterval)
	if db != nil {
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					metrics.RefreshPaymentCounts(ctx, db)
				}
			}
		}()
	}

	go func() {
		log.Printf("http listening on %s", httpAddr)
		var err error
		if tlsCfg != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Printf("http server stopped: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
}

func dbArgs(db *sql.DB) []*sql.DB {
	if db == nil {
		return nil
	}
	return []*sql.DB{db}
}

func envOr(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}
