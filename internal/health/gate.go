// Package health gates a deployment on the new release actually serving: a
// started-but-unhealthy process is not a successful deployment.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"fleet-cd/internal/poll"
	"fleet-cd/internal/types"
)

const snippetLimit = 256

// Result is the last observed probe outcome. It is not persisted; it only
// gates job success for its host.
type Result struct {
	Healthy    bool
	StatusCode int
	Latency    time.Duration
	Snippet    string
}

// Gate polls the service's local health endpoint at a fixed interval up to
// a bounded number of attempts.
type Gate struct {
	Host        string // defaults to 127.0.0.1
	Port        int
	Path        string        // defaults to /health
	Interval    time.Duration // defaults to 2s
	MaxAttempts int           // defaults to 30 (~60s)
	Clock       poll.Clock
	Client      *http.Client
}

func (g *Gate) url() string {
	host := g.Host
	if host == "" {
		host = "127.0.0.1"
	}
	path := g.Path
	if path == "" {
		path = "/health"
	}
	return fmt.Sprintf("http://%s:%d%s", host, g.Port, path)
}

// Wait polls until the first 2xx response or the retry budget runs out.
// Budget exhaustion is a HealthCheckTimeoutError carrying the last observed
// result in its message.
func (g *Gate) Wait(ctx context.Context) (Result, error) {
	interval := g.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	attempts := g.MaxAttempts
	if attempts <= 0 {
		attempts = 30
	}
	clock := g.Clock
	if clock == nil {
		clock = poll.RealClock{}
	}
	client := g.Client
	if client == nil {
		client = &http.Client{Timeout: interval}
	}

	url := g.url()
	var last Result
	err := poll.Until(ctx, clock, interval, attempts, func(ctx context.Context) (bool, error) {
		last = g.probe(ctx, client, url, clock)
		if !last.Healthy {
			logrus.Debugf("health probe %s: status=%d", url, last.StatusCode)
		}
		return last.Healthy, nil
	})
	if err != nil {
		if errors.Is(err, poll.ErrBudgetExhausted) {
			return last, types.E(types.KindHealthTimeout,
				"service on %s not healthy after %d attempts (last status %d)", url, attempts, last.StatusCode)
		}
		return last, err
	}

	logrus.Infof("✅ health check passed: %s (%d, %v)", url, last.StatusCode, last.Latency)
	return last, nil
}

func (g *Gate) probe(ctx context.Context, client *http.Client, url string, clock poll.Clock) Result {
	start := clock.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}
	}
	resp, err := client.Do(req)
	if err != nil {
		return Result{Latency: clock.Now().Sub(start)}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, snippetLimit))
	return Result{
		Healthy:    resp.StatusCode >= 200 && resp.StatusCode < 300,
		StatusCode: resp.StatusCode,
		Latency:    clock.Now().Sub(start),
		Snippet:    string(body),
	}
}
