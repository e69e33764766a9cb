// internal/app/bootstrap/appconfig.go
package bootstrap

import "time"

// AppConfig holds service-specific configuration for this WAFFLE app.
//
// These values come from environment variables, configuration files, or
// command-line flags (loaded in LoadConfig). WAFFLE's CoreConfig covers the
// framework-level settings (ports, TLS, logging, CORS, body limits); this
// struct covers everything CrewHub itself needs: storage and counter
// backends, session identity, rate limits, the mutation executor, the
// notification fan-out queue, audit logging, and metrics.
type AppConfig struct {
	// Document store
	StoreBackend     string // "mongo" or "memory"
	MongoURI         string // MongoDB connection string (must be a replica set)
	MongoDatabase    string // Database name within MongoDB
	MongoMaxPoolSize uint64 // Max connections in the driver pool
	MongoMinPoolSize uint64 // Min connections kept warm

	// Rate-limit counters
	CounterBackend string // "docstore" or "redis"
	RedisAddr      string // host:port; blank disables Redis entirely
	RedisPassword  string
	RedisDB        int

	// Session identity
	SessionKey        string        // Secret for signing the session handle cookie
	SessionName       string        // Cookie name (default: crewhub-session)
	SessionMaxAge     time.Duration // Cookie lifetime
	SessionIdleTTL    time.Duration // Idle sessions are pruned after this long
	IdentityJWTSecret string        // HMAC secret for identity tokens
	IdentityJWTIssuer string        // Required "iss" claim (blank accepts any)

	// Limits maps a rate-limited action to its window spec ("5/1h,50/lifetime").
	Limits map[string]string

	// Membership
	InvitationTTL time.Duration

	// Mutation executor
	ExecutorMaxAttempts    int
	ExecutorBaseDelay      time.Duration
	ExecutorMaxDelay       time.Duration
	ExecutorAttemptTimeout time.Duration
	OperationRetention     time.Duration // Operation records older than this are pruned

	// Notification fan-out
	FanoutTransport    string // "log", "redis", or "webhook"
	FanoutWebhookURL   string
	FanoutWebhookToken string // Sent as a bearer token when set
	FanoutMaxAttempts  int
	FanoutWorkers      int
	FanoutBatchSize    int
	FanoutPollInterval time.Duration
	FanoutDispatchRate float64

	// Audit logging: "all" (db+log), "db", "log", or "off"
	AuditLogCrew string
	AuditLogOps  string

	MetricsEnabled bool
}
