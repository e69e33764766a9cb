// internal/app/bootstrap/config.go
package bootstrap

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/dalemusser/crewhub/internal/app/system/ratelimit"
	"github.com/dalemusser/crewhub/internal/app/system/timeouts"
	"github.com/dalemusser/waffle/config"
	wafflemongo "github.com/dalemusser/waffle/pantry/mongo"
	"go.uber.org/zap"
)

// defaultSessionKey is accepted outside prod only.
const defaultSessionKey = "dev-only-change-me-please-0123456789ABCDEF"

// defaultJWTSecret is accepted outside prod only.
const defaultJWTSecret = "dev-only-identity-secret-change-me"

// limitKeys maps config keys to the rate-limited action they configure.
var limitKeys = map[string]string{
	"limit_create_crew": ratelimit.ActionCreateCrew,
	"limit_invite":      ratelimit.ActionInvite,
	"limit_message":     ratelimit.ActionMessage,
	"limit_post":        ratelimit.ActionPost,
	"limit_share_job":   ratelimit.ActionShareJob,
}

// appConfigKeys defines the configuration keys for CrewHub.
// These are loaded via WAFFLE's config system with support for:
//   - Config files: mongo_uri, session_name, etc.
//   - Environment variables: CREWHUB_MONGO_URI, CREWHUB_SESSION_NAME, etc.
//   - Command-line flags: --mongo_uri, --session_name, etc.
var appConfigKeys = []config.AppKey{
	{Name: "store_backend", Default: "mongo", Desc: "Document store: 'mongo' or 'memory' (single instance, not durable)"},
	{Name: "mongo_uri", Default: "mongodb://localhost:27017/?replicaSet=rs0", Desc: "MongoDB connection URI (replica set required)"},
	{Name: "mongo_database", Default: "crewhub", Desc: "MongoDB database name"},
	{Name: "mongo_max_pool_size", Default: 100, Desc: "MongoDB max connection pool size (default: 100)"},
	{Name: "mongo_min_pool_size", Default: 10, Desc: "MongoDB min connection pool size (default: 10)"},

	{Name: "counter_backend", Default: "docstore", Desc: "Rate-limit counters: 'docstore' or 'redis'"},
	{Name: "redis_addr", Default: "", Desc: "Redis address host:port (blank disables Redis)"},
	{Name: "redis_password", Default: "", Desc: "Redis password"},
	{Name: "redis_db", Default: 0, Desc: "Redis database number"},

	{Name: "session_key", Default: defaultSessionKey, Desc: "Session cookie signing key (must be strong in production)"},
	{Name: "session_name", Default: "crewhub-session", Desc: "Session cookie name"},
	{Name: "session_max_age", Default: "720h", Desc: "Session cookie lifetime"},
	{Name: "session_idle_ttl", Default: "24h", Desc: "Idle sessions are dropped after this long"},
	{Name: "identity_jwt_secret", Default: defaultJWTSecret, Desc: "HMAC secret for identity tokens"},
	{Name: "identity_jwt_issuer", Default: "", Desc: "Required identity token issuer (blank accepts any)"},

	{Name: "limit_create_crew", Default: ratelimit.DefaultLimits[ratelimit.ActionCreateCrew], Desc: "Crew creation windows"},
	{Name: "limit_invite", Default: ratelimit.DefaultLimits[ratelimit.ActionInvite], Desc: "Invitation windows"},
	{Name: "limit_message", Default: ratelimit.DefaultLimits[ratelimit.ActionMessage], Desc: "Crew message windows"},
	{Name: "limit_post", Default: ratelimit.DefaultLimits[ratelimit.ActionPost], Desc: "Crew post windows"},
	{Name: "limit_share_job", Default: ratelimit.DefaultLimits[ratelimit.ActionShareJob], Desc: "Shared job windows"},

	{Name: "invitation_ttl", Default: "168h", Desc: "How long an invitation stays answerable"},

	{Name: "executor_max_attempts", Default: 5, Desc: "Attempts per mutation before giving up"},
	{Name: "executor_base_delay", Default: "50ms", Desc: "First retry backoff ceiling"},
	{Name: "executor_max_delay", Default: "2s", Desc: "Largest retry backoff ceiling"},
	{Name: "executor_attempt_timeout", Default: "10s", Desc: "Timeout for one mutation attempt"},
	{Name: "operation_retention", Default: "168h", Desc: "How long operation ids can be replayed"},

	{Name: "fanout_transport", Default: "log", Desc: "Notification transport: 'log', 'redis', or 'webhook'"},
	{Name: "fanout_webhook_url", Default: "", Desc: "Webhook endpoint for notification batches"},
	{Name: "fanout_webhook_token", Default: "", Desc: "Bearer token sent to the webhook"},
	{Name: "fanout_max_attempts", Default: 5, Desc: "Delivery attempts per notification job"},
	{Name: "fanout_workers", Default: 4, Desc: "Concurrent notification jobs"},
	{Name: "fanout_batch_size", Default: 25, Desc: "Jobs claimed per drain"},
	{Name: "fanout_poll_interval", Default: "1s", Desc: "How often the worker looks for due jobs"},
	{Name: "fanout_dispatch_rate", Default: 50, Desc: "Transport calls per second (0 = unlimited)"},

	{Name: "audit_log_crew", Default: "all", Desc: "Crew event logging: 'all' (db+log), 'db', 'log', or 'off'"},
	{Name: "audit_log_ops", Default: "all", Desc: "Ops event logging: 'all' (db+log), 'db', 'log', or 'off'"},

	{Name: "metrics_enabled", Default: true, Desc: "Serve Prometheus metrics at /metrics"},
}

// LoadConfig loads WAFFLE core config and app-specific config.
//
// WAFFLE's config.LoadWithAppConfig handles .env files, config files,
// environment variables (WAFFLE_* for core, CREWHUB_* for app) and flags,
// merged with precedence flags > env > files > defaults.
func LoadConfig(logger *zap.Logger) (*config.CoreConfig, AppConfig, error) {
	coreCfg, appValues, err := config.LoadWithAppConfig(logger, "CREWHUB", appConfigKeys)
	if err != nil {
		return nil, AppConfig{}, err
	}

	if n := timeouts.ConfigureFromEnv(); n > 0 {
		logger.Info("timeouts overridden from environment", zap.Int("count", n), zap.Any("timeouts", timeouts.Current()))
	}

	limits := make(map[string]string, len(limitKeys))
	for key, action := range limitKeys {
		limits[action] = appValues.String(key)
	}

	appCfg := AppConfig{
		StoreBackend:     appValues.String("store_backend"),
		MongoURI:         appValues.String("mongo_uri"),
		MongoDatabase:    appValues.String("mongo_database"),
		MongoMaxPoolSize: uint64(appValues.Int("mongo_max_pool_size")),
		MongoMinPoolSize: uint64(appValues.Int("mongo_min_pool_size")),

		CounterBackend: appValues.String("counter_backend"),
		RedisAddr:      appValues.String("redis_addr"),
		RedisPassword:  appValues.String("redis_password"),
		RedisDB:        appValues.Int("redis_db"),

		SessionKey:        appValues.String("session_key"),
		SessionName:       appValues.String("session_name"),
		SessionMaxAge:     appValues.Duration("session_max_age", 30*24*time.Hour),
		SessionIdleTTL:    appValues.Duration("session_idle_ttl", 24*time.Hour),
		IdentityJWTSecret: appValues.String("identity_jwt_secret"),
		IdentityJWTIssuer: appValues.String("identity_jwt_issuer"),

		Limits: limits,

		InvitationTTL: appValues.Duration("invitation_ttl", 7*24*time.Hour),

		ExecutorMaxAttempts:    appValues.Int("executor_max_attempts"),
		ExecutorBaseDelay:      appValues.Duration("executor_base_delay", 50*time.Millisecond),
		ExecutorMaxDelay:       appValues.Duration("executor_max_delay", 2*time.Second),
		ExecutorAttemptTimeout: appValues.Duration("executor_attempt_timeout", 10*time.Second),
		OperationRetention:     appValues.Duration("operation_retention", 7*24*time.Hour),

		FanoutTransport:    appValues.String("fanout_transport"),
		FanoutWebhookURL:   appValues.String("fanout_webhook_url"),
		FanoutWebhookToken: appValues.String("fanout_webhook_token"),
		FanoutMaxAttempts:  appValues.Int("fanout_max_attempts"),
		FanoutWorkers:      appValues.Int("fanout_workers"),
		FanoutBatchSize:    appValues.Int("fanout_batch_size"),
		FanoutPollInterval: appValues.Duration("fanout_poll_interval", time.Second),
		FanoutDispatchRate: float64(appValues.Int("fanout_dispatch_rate")),

		AuditLogCrew: appValues.String("audit_log_crew"),
		AuditLogOps:  appValues.String("audit_log_ops"),

		MetricsEnabled: appValues.Bool("metrics_enabled"),
	}

	return coreCfg, appCfg, nil
}

// ValidateConfig performs app-specific config validation.
//
// Return nil to accept the loaded config, or an error to abort startup.
// Everything that can be checked without a network round trip is checked
// here so misconfiguration fails before any connection is attempted.
func ValidateConfig(coreCfg *config.CoreConfig, appCfg AppConfig, logger *zap.Logger) error {
	var errs []error

	switch appCfg.StoreBackend {
	case "mongo":
		if err := wafflemongo.ValidateURI(appCfg.MongoURI); err != nil {
			logger.Error("invalid MongoDB URI", zap.Error(err))
			errs = append(errs, fmt.Errorf("invalid MongoDB URI: %w", err))
		}
		if appCfg.MongoDatabase == "" {
			errs = append(errs, errors.New("mongo_database is required"))
		}
	case "memory":
		if coreCfg.Env == "prod" {
			logger.Warn("memory store in prod: state is lost on restart and not shared between instances")
		}
	default:
		errs = append(errs, fmt.Errorf("store_backend must be 'mongo' or 'memory', got %q", appCfg.StoreBackend))
	}

	switch appCfg.CounterBackend {
	case "docstore":
	case "redis":
		if appCfg.RedisAddr == "" {
			errs = append(errs, errors.New("counter_backend 'redis' requires redis_addr"))
		}
	default:
		errs = append(errs, fmt.Errorf("counter_backend must be 'docstore' or 'redis', got %q", appCfg.CounterBackend))
	}

	switch appCfg.FanoutTransport {
	case "log":
	case "redis":
		if appCfg.RedisAddr == "" {
			errs = append(errs, errors.New("fanout_transport 'redis' requires redis_addr"))
		}
	case "webhook":
		u, err := url.Parse(appCfg.FanoutWebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("fanout_transport 'webhook' requires an http(s) fanout_webhook_url, got %q", appCfg.FanoutWebhookURL))
		}
	default:
		errs = append(errs, fmt.Errorf("fanout_transport must be 'log', 'redis', or 'webhook', got %q", appCfg.FanoutTransport))
	}

	for action, spec := range appCfg.Limits {
		if _, err := ratelimit.ParseWindows(spec); err != nil {
			errs = append(errs, fmt.Errorf("limit for %s: %w", action, err))
		}
	}

	for name, v := range map[string]string{"audit_log_crew": appCfg.AuditLogCrew, "audit_log_ops": appCfg.AuditLogOps} {
		switch v {
		case "", "all", "db", "log", "off":
		default:
			errs = append(errs, fmt.Errorf("%s must be 'all', 'db', 'log', or 'off', got %q", name, v))
		}
	}

	if appCfg.InvitationTTL <= 0 {
		errs = append(errs, errors.New("invitation_ttl must be positive"))
	}
	if appCfg.SessionName == "" {
		errs = append(errs, errors.New("session_name is required"))
	}
	if len(appCfg.SessionKey) < 32 {
		errs = append(errs, errors.New("session_key must be at least 32 bytes"))
	}
	if appCfg.IdentityJWTSecret == "" {
		errs = append(errs, errors.New("identity_jwt_secret is required"))
	}
	if coreCfg.Env == "prod" {
		if appCfg.SessionKey == defaultSessionKey {
			errs = append(errs, errors.New("session_key must be changed from the default in prod"))
		}
		if appCfg.IdentityJWTSecret == defaultJWTSecret {
			errs = append(errs, errors.New("identity_jwt_secret must be changed from the default in prod"))
		}
	}

	return errors.Join(errs...)
}
