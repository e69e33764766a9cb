// internal/app/bootstrap/routes.go
package bootstrap

import (
	"context"
	"fmt"
	"net/http"

	crewsfeature "github.com/dalemusser/crewhub/internal/app/features/crews"
	errorsfeature "github.com/dalemusser/crewhub/internal/app/features/errors"
	healthfeature "github.com/dalemusser/crewhub/internal/app/features/health"
	heartbeatfeature "github.com/dalemusser/crewhub/internal/app/features/heartbeat"
	sessionfeature "github.com/dalemusser/crewhub/internal/app/features/session"
	"github.com/dalemusser/waffle/config"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// BuildHandler constructs the root HTTP handler (router) for this WAFFLE app.
//
// WAFFLE calls this after configuration, DB connections, schema setup, and
// Startup have completed, so deps.Services is populated.
//
// Layout:
//
//	/health          liveness and backend connectivity
//	/metrics         Prometheus exposition (when metrics_enabled)
//	/api/session     sign in, refresh, sign out
//	/api/heartbeat   crew activity pings
//	/api/...         crews, members, invitations, items
func BuildHandler(coreCfg *config.CoreConfig, appCfg AppConfig, deps DBDeps, logger *zap.Logger) (http.Handler, error) {
	svc := deps.Services
	if svc == nil || svc.Coordinator == nil {
		return nil, fmt.Errorf("bootstrap: services not started")
	}

	r := chi.NewRouter()

	if svc.Metrics != nil {
		r.Use(svc.Metrics.Middleware)
	}

	// Global auth middleware: loads SessionUser into context if signed in.
	// This makes the caller available to all handlers via auth.UserID(ctx).
	r.Use(svc.SessionMgr.LoadSessionUser)

	r.NotFound(errorsfeature.NotFound)
	r.MethodNotAllowed(errorsfeature.MethodNotAllowed)

	// Health check endpoint for load balancers and orchestrators
	var redisPinger healthfeature.Pinger
	if deps.Redis != nil {
		rdb := deps.Redis
		redisPinger = healthfeature.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	}
	healthHandler := healthfeature.NewHandler(deps.Store, redisPinger, logger)
	r.Mount("/health", healthfeature.Routes(healthHandler))

	if svc.Metrics != nil {
		r.Handle("/metrics", svc.Metrics.Handler())
	}

	sessionHandler := sessionfeature.NewHandler(svc.SessionMgr, svc.Verifier, svc.SessionLimiter, svc.Audit, logger)
	r.Mount("/api/session", sessionfeature.Routes(sessionHandler))

	heartbeatHandler := heartbeatfeature.NewHandler(svc.Coordinator, logger)
	r.Mount("/api/heartbeat", heartbeatfeature.Routes(heartbeatHandler, svc.SessionMgr))

	crewsHandler := crewsfeature.NewHandler(svc.Coordinator, logger)
	r.Mount("/api", crewsfeature.Routes(crewsHandler, svc.SessionMgr))

	return r, nil
}
