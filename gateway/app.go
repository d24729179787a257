package gateway

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	_ "github.com/lib/pq"
	"golang.org/x/exp/slog"
	_ "modernc.org/sqlite"

	"github.com/cryptopos/paygate/gateway/iso8583"
	"github.com/cryptopos/paygate/gateway/payout"
	"github.com/cryptopos/paygate/internal/middleware"
	"github.com/cryptopos/paygate/internal/security"
)

// App is the main application. It owns the HTTP API, the ISO 8583 terminal
// server and the shared transaction pipeline, and is responsible for starting
// and stopping them.
type App struct {
	srv               *http.Server
	wg                *sync.WaitGroup
	Addr              string
	ISO8583ServerAddr string
	logger            *slog.Logger
	iso8583Server     io.Closer
	repository        *Repository
	config            *Config
}

func NewApp(logger *slog.Logger, config *Config) *App {
	logger = logger.With(slog.String("app", "paygate"))

	if config == nil {
		config = DefaultConfig()
	}

	return &App{
		wg:     &sync.WaitGroup{},
		logger: logger,
		config: config,
	}
}

func (a *App) Start() error {
	a.logger.Info("starting app...")

	repository, err := a.openRepository()
	if err != nil {
		return err
	}
	a.repository = repository
	if err := repository.Migrate(context.Background()); err != nil {
		return err
	}

	provider, err := a.payoutProvider()
	if err != nil {
		return err
	}
	dispatcher := payout.NewDispatcher(a.logger, provider, repository, payout.DispatcherConfig{
		MaxAttempts:    a.config.PayoutMaxAttempts,
		ConfirmTimeout: a.config.PayoutConfirmTimeout,
		PollInterval:   a.config.PayoutPollInterval,
		Wallets:        a.config.Wallets,
		DefaultWallet:  a.config.DefaultWallet,
	})

	service := NewService(a.logger, repository, dispatcher, a.config)

	macs := make(map[string]security.MACProvider, len(a.config.TerminalSecrets))
	for term, secret := range a.config.TerminalSecrets {
		p, err := security.NewHMACProvider([]byte(secret))
		if err != nil {
			return fmt.Errorf("mac provider for terminal %s: %w", term, err)
		}
		macs[term] = p
	}

	spec, err := iso8583.BuildSpec(a.config.Dictionary)
	if err != nil {
		return fmt.Errorf("building iso8583 spec: %w", err)
	}
	iso8583Server := iso8583.NewServer(a.logger, a.config.ISO8583Addr, spec, service, iso8583.ServerConfig{
		ResponseTimeout:    a.config.ResponseTimeout,
		IdleTimeout:        a.config.IdleTimeout,
		MaxMessageSize:     a.config.MaxMessageSize,
		MalformedThreshold: a.config.MalformedThreshold,
		MACProviders:       macs,
	})
	if err := iso8583Server.Start(); err != nil {
		return fmt.Errorf("starting iso8583 server: %w", err)
	}
	a.ISO8583ServerAddr = iso8583Server.Addr
	a.iso8583Server = iso8583Server

	router := chi.NewRouter()
	router.Use(middleware.NewStructuredLogger(a.logger))
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.config.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Idempotency-Key", "X-Timestamp", "X-Signature"},
		MaxAge:         300,
	}))
	if a.config.APISecret != "" {
		router.Use(middleware.SignatureMiddleware(middleware.SigConfig{
			Secret:        a.config.APISecret,
			MaxAgeSeconds: 300,
		}))
	}

	api := NewAPI(service)
	api.AppendRoutes(router)

	router.Get("/-/live", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	router.Get("/-/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := repository.Ping(ctx); err != nil {
			http.Error(w, "store not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	l, err := net.Listen("tcp", a.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening tcp port: %w", err)
	}

	a.Addr = l.Addr().String()

	a.srv = &http.Server{
		Handler: router,
	}

	a.wg.Add(1)
	go func() {
		a.logger.Info("http server started", slog.String("addr", a.Addr))

		if err := a.srv.Serve(l); err != nil {
			if err != http.ErrServerClosed {
				a.logger.Error("starting http server", "err", err)
			}

			a.logger.Info("http server stopped")
		}

		a.wg.Done()
	}()

	return nil
}

func (a *App) openRepository() (*Repository, error) {
	switch a.config.RepoBackend {
	case "pg":
		if a.config.DBDSN == "" {
			return nil, fmt.Errorf("DB_DSN is required for the pg backend")
		}
		db, err := sql.Open("postgres", a.config.DBDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxIdleConns(5)
		db.SetMaxOpenConns(10)
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		return NewSQLRepository(db), nil
	case "sqlite":
		dsn := a.config.DBDSN
		if dsn == "" {
			dsn = "paygate.db"
		}
		db, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// modernc single-writer: serialize through one connection.
		db.SetMaxOpenConns(1)
		return NewSQLRepository(db), nil
	case "mem":
		return NewRepository(), nil
	default:
		return nil, fmt.Errorf("unsupported REPO_BACKEND=%s", a.config.RepoBackend)
	}
}

func (a *App) payoutProvider() (payout.Provider, error) {
	switch a.config.PayoutProvider {
	case "sandbox", "":
		return payout.NewSandbox(), nil
	case "trc20":
		if a.config.PayoutURL == "" {
			return nil, fmt.Errorf("PAYOUT_URL is required for the trc20 provider")
		}
		return payout.NewTRC20Client(a.config.PayoutURL, a.config.PayoutAPIKey, nil), nil
	default:
		return nil, fmt.Errorf("unsupported PAYOUT_PROVIDER=%s", a.config.PayoutProvider)
	}
}

func (a *App) Shutdown() {
	a.logger.Info("shutting down app...")

	a.srv.Shutdown(context.Background())

	err := a.iso8583Server.Close()
	if err != nil {
		a.logger.Error("closing iso8583 server", "err", err)
	}

	a.wg.Wait()

	if err := a.repository.Close(); err != nil {
		a.logger.Error("closing repository", "err", err)
	}

	a.logger.Info("app stopped")
}
