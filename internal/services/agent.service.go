package services

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"pushwatch/internal/config"
	"pushwatch/internal/models"

	"github.com/go-logr/logr"
)

const (
	agentVersion    = "1.0"
	maxErrorBodyLen = 512
)

// Agent runs the collect → send → sleep cycle for one host.
// Each tick is a single best-effort delivery: a failed push is logged and
// dropped, never retried.
type Agent struct {
	endpoint string
	token    string
	hostname string
	interval time.Duration
	timeout  time.Duration

	source MetricsSource
	client *http.Client
	log    logr.Logger
	now    func() time.Time
	sleep  func(time.Duration) <-chan time.Time

	mu        sync.Mutex
	lastStamp time.Time
	started   bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	attempts atomic.Uint64
	failures atomic.Uint64
}

type AgentOption func(*Agent)

// WithHTTPClient replaces the client built from the agent config.
func WithHTTPClient(c *http.Client) AgentOption {
	return func(a *Agent) { a.client = c }
}

// WithClock sets the time source used for capture timestamps.
func WithClock(now func() time.Time) AgentOption {
	return func(a *Agent) { a.now = now }
}

// WithSleep sets how the agent waits between cycles. The default is time.After.
func WithSleep(sleep func(time.Duration) <-chan time.Time) AgentOption {
	return func(a *Agent) { a.sleep = sleep }
}

// NewAgent validates cfg and resolves the hostname. Configuration problems are
// reported here, never from inside the cycle.
func NewAgent(cfg config.AgentConfig, source MetricsSource, log logr.Logger, opts ...AgentOption) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if source == nil {
		return nil, errors.New("metrics source is required")
	}
	hostname, err := cfg.Hostname()
	if err != nil {
		return nil, err
	}

	a := &Agent{
		endpoint: cfg.CollectorURL,
		token:    cfg.AuthToken,
		hostname: hostname,
		interval: cfg.PushInterval(),
		timeout:  cfg.RequestTimeout(),
		source:   source,
		log:      log.WithName("agent").WithValues("hostname", hostname),
		now:      time.Now,
		sleep:    time.After,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.client == nil {
		client, err := NewAgentHTTPClient(cfg)
		if err != nil {
			return nil, err
		}
		a.client = client
	}
	return a, nil
}

// NewAgentHTTPClient builds an HTTPS client honouring the agent's TLS settings.
func NewAgentHTTPClient(cfg config.AgentConfig) (*http.Client, error) {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify, // #nosec G402 -- agents authenticate with a bearer token
	}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsConfig

	return &http.Client{
		Timeout:   cfg.RequestTimeout(),
		Transport: transport,
	}, nil
}

func (a *Agent) Hostname() string {
	return a.hostname
}

// Attempts is the number of pushes tried so far; Failures counts the ones that failed.
func (a *Agent) Attempts() uint64 { return a.attempts.Load() }
func (a *Agent) Failures() uint64 { return a.failures.Load() }

// Start runs the cycle on its own goroutine. The first push happens immediately.
func (a *Agent) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.New("agent already started")
	}
	a.started = true

	a.log.Info("starting agent", "collector", a.endpoint, "interval", a.interval.String(), "timeout", a.timeout.String())
	go a.run()
	return nil
}

// Stop asks the cycle to end. A push already in flight finishes on its own;
// no further collect or sleep begins once Stop has been observed.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
}

// Wait blocks until the cycle started by Start has returned.
func (a *Agent) Wait() {
	a.mu.Lock()
	started := a.started
	a.mu.Unlock()
	if !started {
		return
	}
	<-a.done
}

// Run starts the agent and blocks until ctx is done and the cycle has ended.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Start(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		a.Stop()
	case <-a.done:
	}
	a.Wait()
	return nil
}

func (a *Agent) run() {
	defer close(a.done)
	defer func() {
		a.log.Info("agent stopped", "attempts", a.Attempts(), "failures", a.Failures())
	}()

	for {
		if a.stopped() {
			return
		}

		if err := a.PushOnce(context.Background()); err != nil {
			a.logPushError(err)
		}

		select {
		case <-a.stop:
			return
		case <-a.sleep(a.interval):
		}
	}
}

func (a *Agent) stopped() bool {
	select {
	case <-a.stop:
		return true
	default:
		return false
	}
}

func (a *Agent) logPushError(err error) {
	var pushErr *PushError
	if errors.As(err, &pushErr) && pushErr.Stage == StageResponse {
		a.log.Error(pushErr, "collector rejected metrics", "status", pushErr.StatusCode, "body", pushErr.Body)
		return
	}
	a.log.Error(err, "failed to push metrics")
}

// PushOnce captures one snapshot and makes exactly one delivery attempt.
func (a *Agent) PushOnce(ctx context.Context) error {
	a.attempts.Add(1)
	if err := a.push(ctx); err != nil {
		a.failures.Add(1)
		return err
	}
	return nil
}

func (a *Agent) push(ctx context.Context) error {
	snapshot, err := a.collect(ctx)
	if err != nil {
		return &PushError{Stage: StageCollect, Err: err}
	}

	envelope := models.Envelope{
		Hostname:       a.hostname,
		Timestamp:      a.captureTimestamp(),
		MetricSnapshot: snapshot,
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return &PushError{Stage: StageEncode, Err: err}
	}

	reqCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return &PushError{Stage: StageSend, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", fmt.Sprintf("pushwatch-agent/%s (%s)", agentVersion, a.hostname))

	resp, err := a.client.Do(req)
	if err != nil {
		return &PushError{Stage: StageSend, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
		return &PushError{
			Stage:      StageResponse,
			StatusCode: resp.StatusCode,
			Body:       string(bytes.TrimSpace(msg)),
		}
	}

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	a.log.V(1).Info("pushed metrics", "bytes", len(body), "timestamp", envelope.Timestamp)
	return nil
}

// collect turns a panicking source into an ordinary collect failure.
func (a *Agent) collect(ctx context.Context) (snapshot models.MetricSnapshot, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("metrics source panicked: %v", r)
		}
	}()
	return a.source.Snapshot(ctx)
}

// captureTimestamp never goes backwards, even if the wall clock does.
func (a *Agent) captureTimestamp() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	t := a.now().UTC()
	if t.Before(a.lastStamp) {
		t = a.lastStamp
	}
	a.lastStamp = t
	return t.Format(models.TimestampLayout)
}
