package app

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/StricklySoft/clinic-auth/internal/metrics"
	"github.com/StricklySoft/clinic-auth/internal/server"
	"github.com/StricklySoft/clinic-auth/internal/store/pgstore"
	"github.com/StricklySoft/clinic-auth/internal/store/redisstore"
	"github.com/StricklySoft/clinic-auth/pkg/auth"
	"github.com/StricklySoft/clinic-auth/pkg/clients/postgres"
	"github.com/StricklySoft/clinic-auth/pkg/clients/redis"
	sserr "github.com/StricklySoft/clinic-auth/pkg/errors"
	"github.com/StricklySoft/clinic-auth/pkg/identity"
	"github.com/StricklySoft/clinic-auth/pkg/provider"
	"github.com/StricklySoft/clinic-auth/pkg/ratelimit"
	"github.com/StricklySoft/clinic-auth/pkg/reconcile"
)

// Dependencies are the external collaborators [Assemble] wires the
// service around.
type Dependencies struct {
	Identities  identity.IdentityStore
	Credentials identity.CredentialStore
	Counters    ratelimit.Store

	// Directory is the provider admin API. Nil disables identity
	// reconciliation.
	Directory provider.Directory

	// HTTPClient fetches provider signing keys. Nil uses a client bounded
	// by the external verification timeout.
	HTTPClient auth.HTTPClient

	Health map[string]server.HealthCheck

	// Routes mounts downstream handlers behind the request pipeline.
	Routes func(r chi.Router)
}

// App is an assembled service.
type App struct {
	cfg    Config
	logger *slog.Logger

	router    http.Handler
	scheduler *reconcile.Scheduler
	jobs      map[string]reconcile.Job
	grpc      *grpc.Server
	health    *health.Server

	closers []func()
}

// New connects to the identity store, the counter store and the provider
// admin API and assembles the service around them.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pg, err := postgres.NewClient(ctx, cfg.Postgres)
	if err != nil {
		return nil, err
	}
	rdb, err := redis.NewClient(ctx, cfg.Redis)
	if err != nil {
		pg.Close()
		return nil, err
	}

	transport := otelhttp.NewTransport(http.DefaultTransport)
	store := pgstore.New(pg)
	deps := Dependencies{
		Identities:  store,
		Credentials: store,
		Counters:    redisstore.New(rdb),
		HTTPClient:  &http.Client{Transport: transport, Timeout: cfg.Auth.External.Timeout},
		Health: map[string]server.HealthCheck{
			"postgres": pg.Health,
			"redis":    rdb.Health,
		},
	}
	if cfg.Provider.Enabled() {
		dir, err := provider.NewClient(cfg.Provider, &http.Client{Transport: transport})
		if err != nil {
			pg.Close()
			_ = rdb.Close()
			return nil, err
		}
		deps.Directory = dir
	} else {
		logger.WarnContext(ctx, "app: provider admin API not configured, identity reconciliation disabled")
	}

	a, err := Assemble(cfg, deps, logger)
	if err != nil {
		pg.Close()
		_ = rdb.Close()
		return nil, err
	}
	a.closers = append(a.closers, pg.Close, func() { _ = rdb.Close() })
	return a, nil
}

// Assemble builds the service from cfg around deps without touching the
// network.
func Assemble(cfg Config, deps Dependencies, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Identities == nil || deps.Credentials == nil {
		return nil, sserr.New(sserr.CodeInternalConfiguration, "app: identity and credential stores are required")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(reg)

	roles, err := auth.ParseRolePermissions(cfg.Auth.RolePermissions)
	if err != nil {
		return nil, sserr.Wrap(err, sserr.CodeInternalConfiguration, "app: invalid role permissions")
	}

	external, err := auth.NewExternalVerifier(cfg.Auth.External, deps.HTTPClient)
	if err != nil {
		return nil, err
	}
	internal, err := auth.NewInternalVerifier(cfg.Auth.Internal, deps.Credentials, logger)
	if err != nil {
		return nil, err
	}
	issuer, err := auth.NewTokenIssuer(cfg.Auth.Internal, deps.Credentials)
	if err != nil {
		return nil, err
	}
	materializer := auth.NewMaterializer(deps.Identities, logger, collector)
	authn, err := auth.NewAuthenticator(auth.AuthenticatorConfig{
		Verifiers:    []auth.Verifier{external, internal},
		Materializer: materializer,
		Roles:        roles,
		Logger:       logger,
		Recorder:     collector,
	})
	if err != nil {
		return nil, err
	}
	exchange, err := auth.NewLoginExchange(external, materializer, issuer)
	if err != nil {
		return nil, err
	}

	limiter, err := ratelimit.New(cfg.RateLimit, deps.Counters, logger, collector)
	if err != nil {
		return nil, err
	}

	jobs := make(map[string]reconcile.Job, 2)
	var schedules []reconcile.Schedule
	credJob, err := reconcile.NewCredentialJob(deps.Credentials, logger, collector)
	if err != nil {
		return nil, err
	}
	jobs[credJob.Name()] = credJob
	schedules = append(schedules, reconcile.Schedule{Job: credJob, Interval: cfg.Reconcile.CredentialInterval})
	if deps.Directory != nil {
		idJob, err := reconcile.NewIdentityJob(cfg.Reconcile, deps.Directory, deps.Identities, logger, collector)
		if err != nil {
			return nil, err
		}
		jobs[idJob.Name()] = idJob
		schedules = append(schedules, reconcile.Schedule{Job: idJob, Interval: cfg.Reconcile.IdentityInterval})
	}
	scheduler, err := reconcile.NewScheduler(cfg.Reconcile.RunTimeout, logger, collector, schedules...)
	if err != nil {
		return nil, err
	}

	opts := server.Options{
		Authenticator: authn,
		Limiter:       limiter,
		Exchanger:     exchange,
		Revoker:       deps.Credentials,
		Scheduler:     scheduler,
		Health:        deps.Health,
		Gatherer:      reg,
		Routes:        deps.Routes,
		Logger:        logger,
	}
	if cfg.Auth.Bridge.Enabled {
		opts.Bridge = auth.NewBridge(exchange, cfg.Auth.Bridge.Header, logger)
	}
	router, err := server.NewRouter(opts)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:       cfg,
		logger:    logger,
		router:    router,
		scheduler: scheduler,
		jobs:      jobs,
	}
	if cfg.GRPC.Addr != "" {
		a.grpc = grpc.NewServer(
			grpc.ChainUnaryInterceptor(auth.UnaryServerInterceptor(authn)),
			grpc.ChainStreamInterceptor(auth.StreamServerInterceptor(authn)),
		)
		a.health = health.NewServer()
		healthpb.RegisterHealthServer(a.grpc, a.health)
	}
	return a, nil
}

// Handler returns the HTTP handler of the service.
func (a *App) Handler() http.Handler { return a.router }

// Scheduler returns the reconciliation scheduler.
func (a *App) Scheduler() *reconcile.Scheduler { return a.scheduler }

// Job returns the reconciliation job called name.
func (a *App) Job(name string) (reconcile.Job, error) {
	job, ok := a.jobs[name]
	if !ok {
		return nil, sserr.Newf(sserr.CodeNotFound, "app: reconciliation job %q is not available", name)
	}
	return job, nil
}

// RunJob runs the named job once, outside the scheduler.
func (a *App) RunJob(ctx context.Context, name string) (*reconcile.Run, error) {
	job, err := a.Job(name)
	if err != nil {
		return nil, err
	}
	return reconcile.RunJob(ctx, job, reconcile.TriggerManual, a.cfg.Reconcile.RunTimeout, nil, a.logger, nil), nil
}

// Run serves HTTP (and gRPC when configured) and runs the reconciliation
// scheduler until ctx is done or a listener fails, then shuts everything
// down within the configured shutdown timeout.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           otelhttp.NewHandler(a.router, "clinic-auth"),
		ReadHeaderTimeout: a.cfg.HTTP.ReadHeaderTimeout,
	}
	serveErr := make(chan error, 2)
	go func() {
		a.logger.InfoContext(ctx, "app: http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- sserr.Wrap(err, sserr.CodeUnavailable, "app: http server failed")
		}
	}()

	if a.grpc != nil {
		lis, err := net.Listen("tcp", a.cfg.GRPC.Addr)
		if err != nil {
			_ = srv.Close()
			return sserr.Wrapf(err, sserr.CodeUnavailable, "app: failed to listen on %s", a.cfg.GRPC.Addr)
		}
		a.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		go func() {
			a.logger.InfoContext(ctx, "app: grpc server listening", "addr", a.cfg.GRPC.Addr)
			if err := a.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				serveErr <- sserr.Wrap(err, sserr.CodeUnavailable, "app: grpc server failed")
			}
		}()
	}

	if a.cfg.Reconcile.Enabled {
		if err := a.scheduler.Start(ctx); err != nil {
			_ = srv.Close()
			return err
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.InfoContext(ctx, "app: shutting down")
	case runErr = <-serveErr:
		a.logger.ErrorContext(ctx, "app: listener failed, shutting down", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.shutdown(shutdownCtx, srv))
}

func (a *App) shutdown(ctx context.Context, srv *http.Server) error {
	var errs []error
	if a.scheduler.State() == reconcile.StateRunning {
		if err := a.scheduler.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.grpc != nil {
		a.health.Shutdown()
		stopped := make(chan struct{})
		go func() {
			a.grpc.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			a.grpc.Stop()
		}
	}
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, sserr.Wrap(err, sserr.CodeTimeout, "app: http shutdown did not complete"))
	}
	return errors.Join(errs...)
}

// Close releases the connections opened by [New].
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
