// internal/app/bootstrap/startup.go
package bootstrap

import (
	"context"
	"fmt"
	"time"

	auditstore "github.com/dalemusser/crewhub/internal/app/store/audit"
	"github.com/dalemusser/crewhub/internal/app/store/counters"
	sessionstore "github.com/dalemusser/crewhub/internal/app/store/sessions"
	"github.com/dalemusser/crewhub/internal/app/system/auditlog"
	"github.com/dalemusser/crewhub/internal/app/system/auth"
	"github.com/dalemusser/crewhub/internal/app/system/coordinator"
	"github.com/dalemusser/crewhub/internal/app/system/executor"
	"github.com/dalemusser/crewhub/internal/app/system/fanout"
	"github.com/dalemusser/crewhub/internal/app/system/identity"
	"github.com/dalemusser/crewhub/internal/app/system/membership"
	"github.com/dalemusser/crewhub/internal/app/system/metrics"
	"github.com/dalemusser/crewhub/internal/app/system/ratelimit"
	"github.com/dalemusser/crewhub/internal/app/system/tasks"
	"github.com/dalemusser/crewhub/internal/app/system/timeouts"
	"github.com/dalemusser/crewhub/internal/app/system/workers"
	"github.com/dalemusser/waffle/config"
	"go.uber.org/zap"
)

// Redis key prefixes shared by every instance.
const (
	redisCounterPrefix = "crewhub:rl:"
	redisNotifyPrefix  = "crewhub:notify:"
)

// Services holds the long-lived components built by Startup.
type Services struct {
	Metrics        *metrics.Metrics // nil when metrics are disabled
	Audit          *auditlog.Logger
	Limiter        *ratelimit.Limiter
	Executor       *executor.Executor
	Queue          *fanout.Queue
	Manager        *membership.Manager
	Coordinator    *coordinator.Service
	Sessions       *identity.Sessions
	SessionMgr     *auth.SessionManager
	SessionLimiter *ratelimit.SessionLimiter
	Verifier       *identity.Verifier

	worker    *workers.FanoutWorker
	scheduler *tasks.Scheduler
}

// Startup builds the services on top of the connected backends and starts
// the background workers: the notification fan-out worker and the periodic
// maintenance jobs.
func Startup(ctx context.Context, coreCfg *config.CoreConfig, appCfg AppConfig, deps DBDeps, logger *zap.Logger) error {
	if err := buildServices(coreCfg, appCfg, deps, logger); err != nil {
		return err
	}
	svc := deps.Services

	svc.worker = workers.NewFanoutWorker(svc.Queue, logger, appCfg.FanoutPollInterval)
	svc.worker.Start()

	svc.scheduler = tasks.NewScheduler(logger,
		tasks.InvitationExpiryJob(svc.Manager, logger, 15*time.Minute),
		tasks.OperationRecordCleanupJob(svc.Executor, logger, appCfg.OperationRetention),
		tasks.SessionPruneJob(svc.Sessions, logger, appCfg.SessionIdleTTL),
	)
	svc.scheduler.Start()

	logger.Info("crewhub services started",
		zap.String("store_backend", appCfg.StoreBackend),
		zap.String("counter_backend", appCfg.CounterBackend),
		zap.String("fanout_transport", appCfg.FanoutTransport),
		zap.Bool("metrics", svc.Metrics != nil))
	return nil
}

// buildServices fills deps.Services. It starts no goroutines except the
// identity synchronizers, which are stopped by Shutdown.
func buildServices(coreCfg *config.CoreConfig, appCfg AppConfig, deps DBDeps, logger *zap.Logger) error {
	if deps.Services == nil {
		return fmt.Errorf("bootstrap: DBDeps.Services is nil")
	}
	svc := deps.Services

	if appCfg.MetricsEnabled {
		svc.Metrics = metrics.New()
		svc.Metrics.RegisterStoreGauges(deps.Store, timeouts.Short())
	}

	svc.Audit = auditlog.New(auditstore.New(deps.Store), logger, auditlog.Config{
		Crew: appCfg.AuditLogCrew,
		Ops:  appCfg.AuditLogOps,
	})

	limiter, err := buildLimiter(appCfg, deps, svc.Metrics, logger)
	if err != nil {
		return err
	}
	svc.Limiter = limiter

	var execOpts []executor.Option
	if svc.Metrics != nil {
		execOpts = append(execOpts, executor.WithRetryHook(svc.Metrics.ExecutorRetry))
	}
	svc.Executor = executor.New(deps.Store, logger, executor.Config{
		MaxAttempts:    appCfg.ExecutorMaxAttempts,
		BaseDelay:      appCfg.ExecutorBaseDelay,
		MaxDelay:       appCfg.ExecutorMaxDelay,
		AttemptTimeout: appCfg.ExecutorAttemptTimeout,
	}, execOpts...)

	transport, err := buildTransport(appCfg, deps, logger)
	if err != nil {
		return err
	}
	queueOpts := []fanout.Option{fanout.WithAlerter(svc.Audit)}
	if svc.Metrics != nil {
		queueOpts = append(queueOpts,
			fanout.WithStatusHook(svc.Metrics.FanoutJob),
			fanout.WithDispatchHook(svc.Metrics.FanoutDispatch))
	}
	svc.Queue = fanout.New(deps.Store, transport, logger, fanout.Config{
		MaxAttempts:  appCfg.FanoutMaxAttempts,
		Workers:      appCfg.FanoutWorkers,
		BatchSize:    appCfg.FanoutBatchSize,
		DispatchRate: appCfg.FanoutDispatchRate,
	}, queueOpts...)

	svc.Manager = membership.New(deps.Store, svc.Queue, logger,
		membership.WithInvitationTTL(appCfg.InvitationTTL))

	coordOpts := []coordinator.Option{
		coordinator.WithWaker(svc.Queue),
		coordinator.WithAudit(svc.Audit),
	}
	if svc.Metrics != nil {
		coordOpts = append(coordOpts, coordinator.WithRecorder(svc.Metrics))
	}
	svc.Coordinator = coordinator.New(svc.Manager, svc.Executor, svc.Limiter, logger, coordOpts...)

	secure := coreCfg.Env == "prod"
	svc.Sessions = identity.NewSessions(logger, identity.WithBacking(sessionstore.New(deps.Store)))
	cookie := identity.NewHandleCookie(appCfg.SessionName, []byte(appCfg.SessionKey), secure, appCfg.SessionMaxAge)
	svc.SessionMgr = auth.NewSessionManager(svc.Sessions, cookie, logger)
	svc.SessionLimiter = ratelimit.NewSessionLimiter()
	svc.Verifier = identity.NewVerifier(appCfg.IdentityJWTSecret, appCfg.IdentityJWTIssuer)

	return nil
}

func buildLimiter(appCfg AppConfig, deps DBDeps, m *metrics.Metrics, logger *zap.Logger) (*ratelimit.Limiter, error) {
	policy := ratelimit.Policy{}
	for action, spec := range appCfg.Limits {
		windows, err := ratelimit.ParseWindows(spec)
		if err != nil {
			return nil, fmt.Errorf("limit for %s: %w", action, err)
		}
		policy[action] = windows
	}

	var counter counters.Checker
	switch appCfg.CounterBackend {
	case "redis":
		if deps.Redis == nil {
			return nil, fmt.Errorf("counter_backend 'redis' requires redis_addr")
		}
		counter = counters.NewRedis(deps.Redis, redisCounterPrefix)
	default:
		counter = counters.New(deps.Store)
	}

	var onDeny func(action string)
	if m != nil {
		onDeny = m.RateLimitDenied
	}
	return ratelimit.NewLimiter(counter, policy, logger, onDeny), nil
}

func buildTransport(appCfg AppConfig, deps DBDeps, logger *zap.Logger) (fanout.Transport, error) {
	switch appCfg.FanoutTransport {
	case "redis":
		if deps.Redis == nil {
			return nil, fmt.Errorf("fanout_transport 'redis' requires redis_addr")
		}
		return fanout.NewRedisTransport(deps.Redis, redisNotifyPrefix), nil
	case "webhook":
		var opts []fanout.WebhookOption
		if appCfg.FanoutWebhookToken != "" {
			opts = append(opts, fanout.WithHeader("Authorization", "Bearer "+appCfg.FanoutWebhookToken))
		}
		return fanout.NewWebhookTransport(appCfg.FanoutWebhookURL, opts...), nil
	default:
		return fanout.LogTransport{Log: logger}, nil
	}
}
