// internal/app/system/ratelimit/limiter.go
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dalemusser/crewhub/internal/app/store/counters"
	"github.com/dalemusser/crewhub/internal/domain/crewerr"
	"go.uber.org/zap"
)

// Rate-limited actions.
const (
	ActionCreateCrew = "create_crew"
	ActionInvite     = "invite"
	ActionMessage    = "message"
	ActionPost       = "post"
	ActionShareJob   = "share_job"
)

// Policy maps an action to the windows that all must admit it.
type Policy map[string][]counters.Window

// DefaultLimits are the config defaults, in ParseWindows syntax.
var DefaultLimits = map[string]string{
	ActionCreateCrew: "5/1h,50/lifetime",
	ActionInvite:     "20/1h,100/24h,1000/lifetime",
	ActionMessage:    "10/1m",
	ActionPost:       "20/1h",
	ActionShareJob:   "20/1h",
}

// DefaultPolicy parses DefaultLimits.
func DefaultPolicy() Policy {
	p := Policy{}
	for action, spec := range DefaultLimits {
		ws, err := ParseWindows(spec)
		if err != nil {
			panic(fmt.Sprintf("ratelimit: bad default for %s: %v", action, err))
		}
		p[action] = ws
	}
	return p
}

// ParseWindows parses "limit/size" pairs separated by commas, for example
// "5/1h,50/lifetime". Sizes accept time.ParseDuration syntax plus a "d" (day)
// suffix; "lifetime" never rolls over. An empty string means no limit.
func ParseWindows(spec string) ([]counters.Window, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}
	var out []counters.Window
	seen := map[string]bool{}
	for _, part := range strings.Split(spec, ",") {
		limitStr, sizeStr, ok := strings.Cut(strings.TrimSpace(part), "/")
		if !ok {
			return nil, fmt.Errorf("window %q: want limit/size", part)
		}
		limit, err := strconv.ParseInt(strings.TrimSpace(limitStr), 10, 64)
		if err != nil || limit <= 0 {
			return nil, fmt.Errorf("window %q: limit must be a positive integer", part)
		}
		name := strings.TrimSpace(sizeStr)
		var size time.Duration
		if name != "lifetime" {
			size, err = parseSize(name)
			if err != nil {
				return nil, fmt.Errorf("window %q: %w", part, err)
			}
		}
		if seen[name] {
			return nil, fmt.Errorf("window %q: duplicate size", part)
		}
		seen[name] = true
		out = append(out, counters.Window{Name: name, Size: size, Limit: limit})
	}
	return out, nil
}

func parseSize(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("bad day count %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	return d, nil
}

// Limiter applies a Policy through a counter backend.
type Limiter struct {
	counter counters.Checker
	policy  Policy
	log     *zap.Logger
	onDeny  func(action string)
}

// NewLimiter creates a Limiter. onDeny (optional) is called on each denial,
// typically to bump a metric.
func NewLimiter(counter counters.Checker, policy Policy, logger *zap.Logger, onDeny func(action string)) *Limiter {
	return &Limiter{counter: counter, policy: policy, log: logger, onDeny: onDeny}
}

// Check charges one unit of action to scope (normally the acting user id).
// It returns nil when allowed, crewerr RateLimited when any window is full,
// and crewerr Unavailable when the counter backend fails. Actions without
// a policy entry are always allowed.
func (l *Limiter) Check(ctx context.Context, scope, action string) error {
	windows := l.policy[action]
	if len(windows) == 0 {
		return nil
	}
	d, err := l.counter.CheckAndIncrement(ctx, scope, action, windows...)
	if err != nil {
		l.log.Error("rate limit check failed",
			zap.String("scope", scope),
			zap.String("action", action),
			zap.Error(err))
		return crewerr.Unavailable(err)
	}
	if d.Allowed {
		return nil
	}
	if l.onDeny != nil {
		l.onDeny(action)
	}
	l.log.Info("rate limited",
		zap.String("scope", scope),
		zap.String("action", action),
		zap.String("window", d.Window),
		zap.Duration("retry_after", d.RetryAfter),
		zap.Bool("permanent", d.Permanent))
	return crewerr.RateLimited(action, d.RetryAfter)
}
