// Command fleet-server runs the macOS cleanup-agent control plane.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/macsweep/control-plane/internal/access"
	"github.com/macsweep/control-plane/internal/api/rest"
	"github.com/macsweep/control-plane/internal/audit"
	"github.com/macsweep/control-plane/internal/auth/jwt"
	"github.com/macsweep/control-plane/internal/compliance"
	"github.com/macsweep/control-plane/internal/config"
	"github.com/macsweep/control-plane/internal/distribution"
	"github.com/macsweep/control-plane/internal/heartbeat"
	"github.com/macsweep/control-plane/internal/metrics"
	"github.com/macsweep/control-plane/internal/rbac"
	"github.com/macsweep/control-plane/internal/registration"
	"github.com/macsweep/control-plane/internal/registry"
	"github.com/macsweep/control-plane/pkg/types"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to the server configuration file")
		watchCfg   = flag.Bool("watch-config", false, "reload the configuration file on change")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if secret := os.Getenv("FLEET_AUTH_SECRET"); secret != "" {
		cfg.Auth.Secret = secret
	}
	if cfg.Auth.Secret == "" {
		fmt.Fprintln(os.Stderr, "auth secret is required (config auth.secret or FLEET_AUTH_SECRET)")
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() //nolint:errcheck

	if err := run(cfg, *configPath, *watchCfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapCfg zap.Config
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}
	if cfg.Encoding != "" {
		zapCfg.Encoding = cfg.Encoding
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zapCfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zapCfg.Build()
}

func run(cfg *config.ServerConfig, configPath string, watchCfg bool, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	promMetrics := metrics.New()

	var auditWriter audit.Writer
	if cfg.Audit.FilePath != "" {
		fw, err := audit.NewFileWriter(cfg.Audit.FilePath, cfg.Audit.FileMaxSizeMB, cfg.Audit.FileMaxAge, cfg.Audit.FileBackups)
		if err != nil {
			return fmt.Errorf("open audit file: %w", err)
		}
		defer fw.Close()
		auditWriter = fw
	}

	var auditStore audit.Store
	if cfg.Postgres.Enabled {
		db, err := sql.Open("postgres", cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer db.Close()
		pg := audit.NewPostgresStore(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		auditStore = pg
	}

	accessLog := audit.NewAccessLog(audit.AccessLogConfig{
		Capacity:      cfg.Audit.MaxEntries,
		RecordAllowed: cfg.Audit.RecordAllowed,
		Logger:        logger.Named("audit"),
		Writer:        auditWriter,
	})
	agentLog := audit.NewAgentLog(audit.AgentLogConfig{
		Capacity: cfg.Audit.MaxEntries,
		Logger:   logger.Named("audit"),
		Writer:   auditWriter,
		Store:    auditStore,
	})

	var revocation jwt.RevocationStore
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		revocation = jwt.NewRedisRevocationStore(client)
		logger.Info("using redis revocation store", zap.String("addr", cfg.Redis.Addr))
	} else {
		revocation = jwt.NewMemoryRevocationStore(cfg.Auth.RevocationCache, logger.Named("jwt"))
	}

	tokens, err := jwt.NewProvider(jwt.Config{
		Secret:     []byte(cfg.Auth.Secret),
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		AccessTTL:  cfg.Auth.AccessTTL.Std(),
		RefreshTTL: cfg.Auth.RefreshTTL.Std(),
		Revocation: revocation,
		Logger:     logger.Named("jwt"),
	})
	if err != nil {
		return err
	}

	users := rbac.NewInMemoryUserStore()
	if err := seedAdminUser(ctx, users, logger); err != nil {
		return err
	}
	authenticator := rbac.NewAuthenticator(users)

	reg, err := registry.New(registry.Config{
		MaxAgents:           cfg.Registry.MaxAgents,
		AllowReregistration: cfg.Registry.AllowReregistration,
		TokenTTL:            cfg.Registry.TokenTTL.Std(),
		Logger:              logger.Named("registry"),
	}, registry.NewInMemoryStore())
	if err != nil {
		return err
	}

	queue := distribution.NewQueueTransport()
	transport := distribution.NewRetryingTransport(queue,
		uint(cfg.Distribution.TransportRetries),
		cfg.Distribution.TransportRetryDelay.Std(),
		logger.Named("transport"),
	)

	distributor, err := distribution.New(distribution.Config{
		MaxConcurrentDistributions: cfg.Distribution.MaxConcurrent,
		AcknowledgementTimeout:     cfg.Distribution.AcknowledgementTimeout.Std(),
		MinimumSuccessRate:         cfg.Distribution.MinimumSuccessRate,
		MaxRetryAttempts:           cfg.Distribution.MaxRetryAttempts,
		HistorySize:                cfg.Distribution.HistorySize,
		Logger:                     logger.Named("distribution"),
	}, reg, transport)
	if err != nil {
		return err
	}

	monitor, err := heartbeat.New(heartbeat.Config{
		ExpectedInterval: cfg.Heartbeat.ExpectedInterval.Std(),
		MissedThreshold:  cfg.Heartbeat.MissedThreshold,
		CheckInterval:    cfg.Heartbeat.CheckInterval.Std(),
		AutoRemoveStale:  cfg.Heartbeat.AutoRemoveStale,
		StaleTimeout:     cfg.Heartbeat.StaleTimeout.Std(),
		Logger:           logger.Named("heartbeat"),
	}, reg, &healthEventRecorder{metrics: promMetrics, audit: agentLog})
	if err != nil {
		return err
	}
	monitor.SetPendingWorkSource(distributor)

	regService, err := registration.New(registration.Config{
		Policy:               registration.ApprovalPolicy(cfg.Registration.Policy),
		RequiredCapabilities: cfg.Registration.RequiredCapabilities,
		MinimumAppVersion:    cfg.Registration.MinimumAppVersion,
		SerialWhitelist:      cfg.Registration.SerialWhitelist,
		HostnamePattern:      cfg.Registration.HostnamePattern,
		HeartbeatInterval:    cfg.Heartbeat.ExpectedInterval.Std(),
		ServerVersion:        rest.Version,
		Logger:               logger.Named("registration"),
	}, reg, &registrationEventRecorder{audit: agentLog})
	if err != nil {
		return err
	}

	reporter, err := compliance.New(compliance.Config{
		Weights: compliance.Weights{
			Policy:       cfg.Compliance.PolicyWeight,
			Health:       cfg.Compliance.HealthWeight,
			Connectivity: cfg.Compliance.ConnectivityWeight,
		},
		HeartbeatTimeout: cfg.Compliance.HeartbeatTimeout.Std(),
		ScoreCacheTTL:    cfg.Compliance.ScoreCacheTTL.Std(),
		Logger:           logger.Named("compliance"),
	}, reg, distributor, agentLog)
	if err != nil {
		return err
	}

	controller, err := access.New(access.Config{
		DefaultBehavior: access.DefaultBehavior(cfg.Auth.DefaultBehavior),
		Logger:          logger.Named("access"),
	}, tokens, accessLog)
	if err != nil {
		return err
	}

	server, err := rest.NewServer(rest.Deps{
		Logger:        logger.Named("http"),
		Access:        controller,
		Users:         users,
		Authenticator: authenticator,
		Tokens:        tokens,
		Registry:      reg,
		Registration:  regService,
		Heartbeats:    monitor,
		Distributor:   distributor,
		Policies:      distribution.NewInMemoryPolicyStore(),
		Transport:     queue,
		Reporter:      reporter,
		AgentAudit:    agentLog,
		AccessAudit:   accessLog,
		Metrics:       promMetrics,
		Config:        cfg,
	})
	if err != nil {
		return err
	}

	monitor.Start(ctx)
	defer monitor.Stop()

	go pollFleetGauges(ctx, reg, promMetrics, logger)

	if watchCfg && configPath != "" {
		go func() {
			if err := config.Watch(ctx, configPath, logger.Named("config"), server.ApplyConfig); err != nil {
				logger.Error("config watcher stopped", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// seedAdminUser creates the initial admin account. The password comes from
// FLEET_ADMIN_PASSWORD or is generated and logged once.
func seedAdminUser(ctx context.Context, users rbac.UserStore, logger *zap.Logger) error {
	password := os.Getenv("FLEET_ADMIN_PASSWORD")
	generated := false
	if password == "" {
		password = uuid.NewString()
		generated = true
	}
	hash, err := rbac.HashPassword(password)
	if err != nil {
		return err
	}
	admin := &types.User{
		ID:           uuid.New(),
		Username:     "admin",
		Email:        "admin@localhost",
		Role:         types.RoleAdmin,
		PasswordHash: hash,
		Active:       true,
		CreatedAt:    time.Now(),
	}
	if err := users.Create(ctx, admin); err != nil {
		return fmt.Errorf("seed admin user: %w", err)
	}
	if generated {
		logger.Warn("generated initial admin password; set FLEET_ADMIN_PASSWORD to control it",
			zap.String("username", "admin"),
			zap.String("password", password),
		)
	}
	return nil
}

// pollFleetGauges refreshes the registry gauges periodically.
func pollFleetGauges(ctx context.Context, reg *registry.Registry, m *metrics.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := reg.Statistics(ctx)
			if err != nil {
				logger.Debug("failed to refresh fleet gauges", zap.Error(err))
				continue
			}
			m.RegisteredAgents.Set(float64(stats.TotalAgents))
			for state, count := range stats.ByState {
				m.AgentsByState.WithLabelValues(string(state)).Set(float64(count))
			}
		}
	}
}

// healthEventRecorder feeds heartbeat transitions into metrics and the
// agent audit trail.
type healthEventRecorder struct {
	metrics *metrics.Metrics
	audit   *audit.AgentLog
}

func (r *healthEventRecorder) HeartbeatReceived(agentID uuid.UUID, status types.AgentStatus) {}

func (r *healthEventRecorder) HealthStatusChanged(agentID uuid.UUID, from, to types.HealthStatus) {
	severity := types.SeverityInfo
	if to == types.HealthCritical {
		severity = types.SeverityCritical
	}
	r.audit.Record(agentID, severity, "health", fmt.Sprintf("health changed from %s to %s", from, to))
}

func (r *healthEventRecorder) AgentCameOnline(agentID uuid.UUID) {
	r.audit.Record(agentID, types.SeverityInfo, "connectivity", "agent came online")
}

func (r *healthEventRecorder) AgentWentOffline(agentID uuid.UUID, lastSeen time.Time) {
	r.metrics.AgentsWentOffline.Inc()
	r.audit.Record(agentID, types.SeverityWarning, "connectivity",
		fmt.Sprintf("agent went offline, last seen %s", lastSeen.Format(time.RFC3339)))
}

// registrationEventRecorder mirrors registration decisions into the agent
// audit trail.
type registrationEventRecorder struct {
	audit *audit.AgentLog
}

func (r *registrationEventRecorder) RegistrationPending(req types.RegistrationRequest) {
	r.audit.Record(req.Identity.ID, types.SeverityInfo, "registration", "registration pending approval")
}

func (r *registrationEventRecorder) RegistrationApproved(agentID uuid.UUID) {
	r.audit.Record(agentID, types.SeverityInfo, "registration", "registration approved")
}

func (r *registrationEventRecorder) RegistrationRejected(agentID uuid.UUID, reason string) {
	r.audit.Record(agentID, types.SeverityWarning, "registration", "registration rejected: "+reason)
}
