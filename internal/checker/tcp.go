package checker

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/hazz-dev/healthgate/internal/config"
)

// tcpChecker reports up when a TCP connection to the target can be opened.
// "Not listening" is the common failure for an app that is still booting.
type tcpChecker struct {
	probe  config.Probe
	dialer *net.Dialer
}

func newTCPChecker(p config.Probe) *tcpChecker {
	return &tcpChecker{
		probe:  p,
		dialer: &net.Dialer{Timeout: p.Timeout.Duration},
	}
}

func (c *tcpChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		ProbeName: c.probe.Name,
		CheckedAt: start,
	}

	conn, err := c.dialer.DialContext(ctx, "tcp", c.probe.Target)
	result.ResponseTime = time.Since(start)
	if err != nil {
		result.Status = StatusDown
		result.Error = fmt.Sprintf("dial tcp %s: %v", c.probe.Target, err)
		return result
	}
	conn.Close()
	result.Status = StatusUp
	return result
}
