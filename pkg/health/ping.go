package health

import (
	"context"
	"time"
)

// PingChecker probes a dependency through a client's own ping call, such
// as the tracker's /myself request or a Redis PING
type PingChecker struct {
	ping func(ctx context.Context) error
}

// NewPingChecker wraps a ping function
func NewPingChecker(ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{ping: ping}
}

// Check calls the ping function
func (p *PingChecker) Check(ctx context.Context) Result {
	start := time.Now()
	if err := p.ping(ctx); err != nil {
		return Result{Message: err.Error(), CheckedAt: start, Duration: time.Since(start)}
	}
	return Result{Healthy: true, Message: "ok", CheckedAt: start, Duration: time.Since(start)}
}

// Type returns CheckTypePing
func (p *PingChecker) Type() CheckType {
	return CheckTypePing
}
