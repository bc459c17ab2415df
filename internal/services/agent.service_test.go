package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"pushwatch/internal/config"
	"pushwatch/internal/models"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSnapshot = models.MetricSnapshot{
	CPUPercent: 12.5,
	Memory:     models.MemoryStats{Total: 8 << 30, Available: 4 << 30, Used: 4 << 30, Percent: 50},
	Disk:       models.DiskStats{Total: 100 << 30, Used: 25 << 30, Free: 75 << 30, Percent: 25},
	Network:    models.NetworkStats{BytesSent: 1000, BytesRecv: 2000, PacketsSent: 10, PacketsRecv: 20},
}

func staticSource() MetricsSource {
	return MetricsSourceFunc(func(context.Context) (models.MetricSnapshot, error) {
		return testSnapshot, nil
	})
}

func testAgentConfig(url string) config.AgentConfig {
	cfg := config.DefaultAgentConfig()
	cfg.CollectorURL = url + "/api/metrics"
	cfg.AuthToken = "abc"
	cfg.HostnameOverride = "web-01"
	cfg.Interval = config.Duration(time.Minute)
	return cfg
}

// manualTicks makes the agent's sleep wait for the test to send a tick.
func manualTicks() (chan time.Time, AgentOption) {
	ticks := make(chan time.Time)
	return ticks, WithSleep(func(time.Duration) <-chan time.Time { return ticks })
}

type capturedRequest struct {
	method string
	path   string
	header http.Header
	body   []byte
}

// recordingServer answers every request with the status returned by status(n),
// n being the 1-based request number.
type recordingServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []capturedRequest
}

func newRecordingServer(t *testing.T, status func(n int) int) *recordingServer {
	t.Helper()
	rs := &recordingServer{}
	rs.Server = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rs.mu.Lock()
		rs.requests = append(rs.requests, capturedRequest{method: r.Method, path: r.URL.Path, header: r.Header.Clone(), body: body})
		n := len(rs.requests)
		rs.mu.Unlock()

		code := status(n)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if code == http.StatusOK {
			_, _ = w.Write([]byte(`{"status":"ok"}`))
			return
		}
		_, _ = w.Write([]byte(`{"error":"nope"}`))
	}))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *recordingServer) count() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.requests)
}

func (rs *recordingServer) request(i int) capturedRequest {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.requests[i]
}

func alwaysOK(int) int { return http.StatusOK }

func TestNewAgentValidatesConfig(t *testing.T) {
	cfg := testAgentConfig("http://collector:8443")
	_, err := NewAgent(cfg, staticSource(), testr.New(t))
	assert.ErrorIs(t, err, config.ErrInsecureScheme)

	cfg = testAgentConfig("https://collector:8443")
	cfg.AuthToken = ""
	_, err = NewAgent(cfg, staticSource(), testr.New(t))
	assert.ErrorIs(t, err, config.ErrMissingToken)

	cfg = testAgentConfig("https://collector:8443")
	_, err = NewAgent(cfg, nil, testr.New(t))
	assert.Error(t, err)

	a, err := NewAgent(cfg, staticSource(), testr.New(t))
	require.NoError(t, err)
	assert.Equal(t, "web-01", a.Hostname())
}

func TestPushOnceSendsEnvelope(t *testing.T) {
	srv := newRecordingServer(t, alwaysOK)
	captured := time.Date(2024, 6, 1, 10, 30, 0, 123456000, time.UTC)

	a, err := NewAgent(testAgentConfig(srv.URL), staticSource(), testr.New(t),
		WithHTTPClient(srv.Client()),
		WithClock(func() time.Time { return captured }),
	)
	require.NoError(t, err)

	require.NoError(t, a.PushOnce(context.Background()))
	require.Equal(t, 1, srv.count())

	req := srv.request(0)
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "/api/metrics", req.path)
	assert.Equal(t, "Bearer abc", req.header.Get("Authorization"))
	assert.Equal(t, "application/json", req.header.Get("Content-Type"))
	assert.Contains(t, req.header.Get("User-Agent"), "web-01")

	var env models.Envelope
	require.NoError(t, json.Unmarshal(req.body, &env))
	assert.Equal(t, "web-01", env.Hostname)
	assert.Equal(t, "2024-06-01T10:30:00.123456Z", env.Timestamp)
	assert.Equal(t, testSnapshot, env.MetricSnapshot)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(req.body, &raw))
	for _, key := range []string{"hostname", "timestamp", "cpu_percent", "memory", "disk", "network"} {
		assert.Contains(t, raw, key)
	}
	assert.NotContains(t, raw, "processes")

	assert.Equal(t, uint64(1), a.Attempts())
	assert.Equal(t, uint64(0), a.Failures())
}

func TestPushOnceFailureStages(t *testing.T) {
	t.Run("collect", func(t *testing.T) {
		srv := newRecordingServer(t, alwaysOK)
		failing := MetricsSourceFunc(func(context.Context) (models.MetricSnapshot, error) {
			return models.MetricSnapshot{}, errors.New("sensor unavailable")
		})
		a, err := NewAgent(testAgentConfig(srv.URL), failing, testr.New(t), WithHTTPClient(srv.Client()))
		require.NoError(t, err)

		err = a.PushOnce(context.Background())
		var pushErr *PushError
		require.ErrorAs(t, err, &pushErr)
		assert.Equal(t, StageCollect, pushErr.Stage)
		assert.Equal(t, 0, srv.count(), "nothing is sent when sampling fails")
	})

	t.Run("response", func(t *testing.T) {
		srv := newRecordingServer(t, func(int) int { return http.StatusUnauthorized })
		a, err := NewAgent(testAgentConfig(srv.URL), staticSource(), testr.New(t), WithHTTPClient(srv.Client()))
		require.NoError(t, err)

		err = a.PushOnce(context.Background())
		var pushErr *PushError
		require.ErrorAs(t, err, &pushErr)
		assert.Equal(t, StageResponse, pushErr.Stage)
		assert.Equal(t, http.StatusUnauthorized, pushErr.StatusCode)
		assert.JSONEq(t, `{"error":"nope"}`, pushErr.Body)
		assert.Equal(t, uint64(1), a.Failures())
	})

	t.Run("send", func(t *testing.T) {
		srv := httptest.NewTLSServer(http.NotFoundHandler())
		client := srv.Client()
		url := srv.URL
		srv.Close()

		a, err := NewAgent(testAgentConfig(url), staticSource(), testr.New(t), WithHTTPClient(client))
		require.NoError(t, err)

		err = a.PushOnce(context.Background())
		var pushErr *PushError
		require.ErrorAs(t, err, &pushErr)
		assert.Equal(t, StageSend, pushErr.Stage)
		assert.Error(t, errors.Unwrap(err))
	})

	t.Run("untrusted certificate", func(t *testing.T) {
		srv := newRecordingServer(t, alwaysOK)
		a, err := NewAgent(testAgentConfig(srv.URL), staticSource(), testr.New(t))
		require.NoError(t, err)

		err = a.PushOnce(context.Background())
		var pushErr *PushError
		require.ErrorAs(t, err, &pushErr)
		assert.Equal(t, StageSend, pushErr.Stage)
		assert.Equal(t, 0, srv.count())
	})
}

func TestPushTimeoutIsBoundedByInterval(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()

	cfg := testAgentConfig(srv.URL)
	cfg.Interval = config.Duration(100 * time.Millisecond)
	a, err := NewAgent(cfg, staticSource(), testr.New(t), WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	start := time.Now()
	err = a.PushOnce(context.Background())
	elapsed := time.Since(start)

	var pushErr *PushError
	require.ErrorAs(t, err, &pushErr)
	assert.Equal(t, StageSend, pushErr.Stage)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, elapsed, 3*time.Second)
}

func TestAgentKeepsPushingAfterFailures(t *testing.T) {
	const failures = 3
	srv := newRecordingServer(t, func(n int) int {
		if n <= failures {
			return http.StatusInternalServerError
		}
		return http.StatusOK
	})

	ticks, sleep := manualTicks()
	a, err := NewAgent(testAgentConfig(srv.URL), staticSource(), testr.New(t), WithHTTPClient(srv.Client()), sleep)
	require.NoError(t, err)
	require.NoError(t, a.Start())

	// Each tick is only received after the previous cycle's push has finished.
	for i := 0; i < failures; i++ {
		ticks <- time.Now()
	}
	require.Eventually(t, func() bool { return srv.count() == failures+1 }, 5*time.Second, 10*time.Millisecond)

	a.Stop()
	a.Wait()

	assert.Equal(t, failures+1, srv.count())
	assert.Equal(t, uint64(failures+1), a.Attempts())
	assert.Equal(t, uint64(failures), a.Failures())
}

func TestAgentSurvivesSourceFailures(t *testing.T) {
	srv := newRecordingServer(t, alwaysOK)
	var calls atomic.Int32
	flaky := MetricsSourceFunc(func(context.Context) (models.MetricSnapshot, error) {
		if calls.Add(1)%2 == 1 {
			return models.MetricSnapshot{}, errors.New("transient")
		}
		return testSnapshot, nil
	})

	ticks, sleep := manualTicks()
	a, err := NewAgent(testAgentConfig(srv.URL), flaky, testr.New(t), WithHTTPClient(srv.Client()), sleep)
	require.NoError(t, err)
	require.NoError(t, a.Start())

	for i := 0; i < 3; i++ {
		ticks <- time.Now()
	}
	require.Eventually(t, func() bool { return a.Attempts() == 4 }, 5*time.Second, 10*time.Millisecond)
	a.Stop()
	a.Wait()

	assert.Equal(t, 2, srv.count())
	assert.Equal(t, uint64(2), a.Failures())
}

func TestStopDoesNotCancelInFlightPush(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var completed atomic.Int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		completed.Add(1)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	a, err := NewAgent(testAgentConfig(srv.URL), staticSource(), testr.New(t), WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	require.NoError(t, a.Start())

	<-entered
	a.Stop()
	close(release)
	a.Wait()

	assert.Equal(t, int32(1), completed.Load())
	assert.Equal(t, uint64(1), a.Attempts())
	assert.Equal(t, uint64(0), a.Failures())
}

func TestStopEndsSleep(t *testing.T) {
	srv := newRecordingServer(t, alwaysOK)
	_, sleep := manualTicks()
	a, err := NewAgent(testAgentConfig(srv.URL), staticSource(), testr.New(t), WithHTTPClient(srv.Client()), sleep)
	require.NoError(t, err)
	require.NoError(t, a.Start())

	require.Eventually(t, func() bool { return srv.count() == 1 }, 5*time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		a.Stop()
		a.Stop()
		a.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop while sleeping")
	}
	assert.Equal(t, 1, srv.count())
}

func TestStopBeforeStart(t *testing.T) {
	srv := newRecordingServer(t, alwaysOK)
	a, err := NewAgent(testAgentConfig(srv.URL), staticSource(), testr.New(t), WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	a.Wait()
	a.Stop()
	require.NoError(t, a.Start())
	a.Wait()

	assert.Equal(t, 0, srv.count())
	assert.Error(t, a.Start(), "an agent is started at most once")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	srv := newRecordingServer(t, alwaysOK)
	_, sleep := manualTicks()
	a, err := NewAgent(testAgentConfig(srv.URL), staticSource(), testr.New(t), WithHTTPClient(srv.Client()), sleep)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return srv.count() == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestCaptureTimestampNeverGoesBackwards(t *testing.T) {
	later := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := []time.Time{later, later.Add(-time.Hour), later.Add(time.Second)}
	var i int
	a, err := NewAgent(testAgentConfig("https://collector:8443"), staticSource(), testr.New(t),
		WithClock(func() time.Time {
			ts := clock[i]
			i++
			return ts
		}),
	)
	require.NoError(t, err)

	first := a.captureTimestamp()
	second := a.captureTimestamp()
	third := a.captureTimestamp()

	assert.Equal(t, "2024-06-01T12:00:00.000000Z", first)
	assert.Equal(t, first, second)
	assert.Equal(t, "2024-06-01T12:00:01.000000Z", third)
}

func TestNewAgentHTTPClient(t *testing.T) {
	cfg := testAgentConfig("https://collector:8443")
	cfg.Timeout = config.Duration(3 * time.Second)

	client, err := NewAgentHTTPClient(cfg)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, client.Timeout)

	certPEM, _, err := GenerateSelfSignedCert(nil, time.Now())
	require.NoError(t, err)
	caFile := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(caFile, certPEM, 0o644))

	cfg.CAFile = caFile
	client, err = NewAgentHTTPClient(cfg)
	require.NoError(t, err)
	transport, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	assert.NotNil(t, transport.TLSClientConfig.RootCAs)
	assert.False(t, transport.TLSClientConfig.InsecureSkipVerify)

	bogus := filepath.Join(t.TempDir(), "bogus.pem")
	require.NoError(t, os.WriteFile(bogus, []byte("not a certificate"), 0o644))
	cfg.CAFile = bogus
	_, err = NewAgentHTTPClient(cfg)
	assert.Error(t, err)

	cfg.CAFile = filepath.Join(t.TempDir(), "missing.pem")
	_, err = NewAgentHTTPClient(cfg)
	assert.Error(t, err)
}

func TestPushErrorMessages(t *testing.T) {
	assert.Equal(t, "push response: status 401: denied", (&PushError{Stage: StageResponse, StatusCode: 401, Body: "denied"}).Error())
	assert.Equal(t, "push response: status 500", (&PushError{Stage: StageResponse, StatusCode: 500}).Error())

	cause := errors.New("boom")
	err := &PushError{Stage: StageSend, Err: cause}
	assert.Equal(t, "push send: boom", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestAgentRecoversFromSourcePanic(t *testing.T) {
	srv := newRecordingServer(t, alwaysOK)
	var calls atomic.Int32
	panicky := MetricsSourceFunc(func(context.Context) (models.MetricSnapshot, error) {
		if calls.Add(1) == 1 {
			panic("sensor table corrupted")
		}
		return testSnapshot, nil
	})

	a, err := NewAgent(testAgentConfig(srv.URL), panicky, testr.New(t), WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	err = a.PushOnce(context.Background())
	var pushErr *PushError
	require.ErrorAs(t, err, &pushErr)
	assert.Equal(t, StageCollect, pushErr.Stage)
	assert.Contains(t, err.Error(), "sensor table corrupted")
	assert.Equal(t, 0, srv.count())

	require.NoError(t, a.PushOnce(context.Background()))
	assert.Equal(t, 1, srv.count())
	assert.Equal(t, uint64(2), a.Attempts())
	assert.Equal(t, uint64(1), a.Failures())
}

func TestAgentLoopSurvivesSourcePanic(t *testing.T) {
	srv := newRecordingServer(t, alwaysOK)
	var calls atomic.Int32
	panicky := MetricsSourceFunc(func(context.Context) (models.MetricSnapshot, error) {
		if calls.Add(1)%2 == 1 {
			panic("boom")
		}
		return testSnapshot, nil
	})

	ticks, sleep := manualTicks()
	a, err := NewAgent(testAgentConfig(srv.URL), panicky, testr.New(t), WithHTTPClient(srv.Client()), sleep)
	require.NoError(t, err)
	require.NoError(t, a.Start())

	ticks <- time.Now()
	require.Eventually(t, func() bool { return a.Attempts() == 2 }, 5*time.Second, 10*time.Millisecond)
	a.Stop()
	a.Wait()

	assert.Equal(t, 1, srv.count())
	assert.Equal(t, uint64(1), a.Failures())
}

func TestRejectedPushIsLoggedAsError(t *testing.T) {
	srv := newRecordingServer(t, func(int) int { return http.StatusUnauthorized })
	var logs capturedLogs
	a, err := NewAgent(testAgentConfig(srv.URL), staticSource(), logs.logger(), WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	err = a.PushOnce(context.Background())
	require.Error(t, err)
	a.logPushError(err)

	entry, ok := logs.find("collector rejected metrics")
	require.True(t, ok)
	assert.NotContains(t, entry, "level")
	assert.Contains(t, entry["error"], "status 401")
	assert.Equal(t, float64(http.StatusUnauthorized), entry["status"])
}
