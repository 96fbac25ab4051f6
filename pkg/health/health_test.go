package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type probeResponse struct {
	Status string
	Checks map[string]string
}

func serve(t *testing.T, h http.Handler) (int, probeResponse) {
	t.Helper()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp probeResponse
	err := jx.DecodeBytes(rec.Body.Bytes()).Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "status":
			s, err := d.Str()
			resp.Status = s
			return err
		case "checks":
			resp.Checks = map[string]string{}
			return d.Obj(func(d *jx.Decoder, name string) error {
				msg, err := d.Str()
				resp.Checks[name] = msg
				return err
			})
		default:
			return d.Skip()
		}
	})
	require.NoError(t, err)
	return rec.Code, resp
}

func failing(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

func passing(context.Context) error { return nil }

func runChecks(h *Health, kind Kind, n int) {
	for range n {
		for _, c := range h.checks[kind] {
			c.probe(context.Background())
		}
	}
}

func TestLiveHandler(t *testing.T) {
	t.Run("AllPassing", func(t *testing.T) {
		h := New()
		h.Register(Liveness, "goroutines", passing, Options{})
		runChecks(h, Liveness, 1)

		code, resp := serve(t, h.LiveHandler())
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "ok", resp.Status)
		assert.Empty(t, resp.Checks)
	})

	t.Run("FailingCheck", func(t *testing.T) {
		h := New()
		h.Register(Liveness, "deadlock", failing("stuck"), Options{FailureThreshold: 1})
		runChecks(h, Liveness, 1)

		code, resp := serve(t, h.LiveHandler())
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "unhealthy", resp.Status)
		assert.Equal(t, map[string]string{"deadlock": "stuck"}, resp.Checks)
	})

	t.Run("BelowThreshold", func(t *testing.T) {
		h := New()
		h.Register(Liveness, "flaky", failing("blip"), Options{FailureThreshold: 3})
		runChecks(h, Liveness, 2)

		code, _ := serve(t, h.LiveHandler())
		assert.Equal(t, http.StatusOK, code)

		runChecks(h, Liveness, 1)
		code, _ = serve(t, h.LiveHandler())
		assert.Equal(t, http.StatusServiceUnavailable, code)
	})

	t.Run("IgnoresReadiness", func(t *testing.T) {
		h := New()
		h.Register(Readiness, "db", failing("down"), Options{FailureThreshold: 1})
		runChecks(h, Readiness, 1)

		code, _ := serve(t, h.LiveHandler())
		assert.Equal(t, http.StatusOK, code)
	})
}

func TestReadyHandler(t *testing.T) {
	t.Run("NotReadyByDefault", func(t *testing.T) {
		h := New()

		code, resp := serve(t, h.ReadyHandler())
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Contains(t, resp.Checks, "_readiness")
		assert.False(t, h.IsReady())
	})

	t.Run("Ready", func(t *testing.T) {
		h := New()
		h.Register(Readiness, "db", passing, Options{})
		h.SetReady(true)
		runChecks(h, Readiness, 1)

		code, resp := serve(t, h.ReadyHandler())
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "ok", resp.Status)
		assert.True(t, h.IsReady())
	})

	t.Run("FailingDependency", func(t *testing.T) {
		h := New()
		h.Register(Readiness, "db", failing("connection refused"), Options{FailureThreshold: 1})
		h.SetReady(true)
		runChecks(h, Readiness, 1)

		code, resp := serve(t, h.ReadyHandler())
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, map[string]string{"db": "connection refused"}, resp.Checks)
		assert.False(t, h.IsReady())
	})

	t.Run("Draining", func(t *testing.T) {
		h := New()
		h.SetReady(true)
		h.SetReady(false)

		code, _ := serve(t, h.ReadyHandler())
		assert.Equal(t, http.StatusServiceUnavailable, code)
	})
}

func TestCheckRecovery(t *testing.T) {
	var (
		mu  sync.Mutex
		err = errors.New("down")
	)
	fn := func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		return err
	}

	h := New()
	h.Register(Readiness, "db", fn, Options{FailureThreshold: 1, SuccessThreshold: 2})
	h.SetReady(true)
	runChecks(h, Readiness, 1)
	require.False(t, h.IsReady())

	mu.Lock()
	err = nil
	mu.Unlock()

	runChecks(h, Readiness, 1)
	assert.False(t, h.IsReady(), "one success is below the success threshold")
	runChecks(h, Readiness, 1)
	assert.True(t, h.IsReady())
}

func TestCheckTimeout(t *testing.T) {
	slow := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}

	h := New()
	h.Register(Readiness, "slow", slow, Options{Timeout: 10 * time.Millisecond, FailureThreshold: 1})
	h.SetReady(true)
	runChecks(h, Readiness, 1)

	_, resp := serve(t, h.ReadyHandler())
	assert.Equal(t, context.DeadlineExceeded.Error(), resp.Checks["slow"])
}

func TestStartStop(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	fn := func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return nil
	}

	h := New()
	h.Register(Liveness, "counter", fn, Options{})
	h.Start(context.Background(), 5*time.Millisecond)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 3
	}, time.Second, time.Millisecond)

	h.Stop()
	h.Stop()

	mu.Lock()
	stopped := calls
	mu.Unlock()
	time.Sleep(30 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, calls, stopped+1)
}

func TestConcurrentAccess(t *testing.T) {
	h := New()
	h.Register(Readiness, "db", failing("flaky"), Options{FailureThreshold: 2})
	h.SetReady(true)
	h.Start(context.Background(), time.Millisecond)
	defer h.Stop()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				_ = h.IsReady()
				rec := httptest.NewRecorder()
				h.ReadyHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", http.NoBody))
			}
		}()
	}
	wg.Wait()
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestCheckers(t *testing.T) {
	ctx := context.Background()

	assert.NoError(t, Ping(pinger{})(ctx))
	assert.ErrorContains(t, Ping(pinger{err: errors.New("refused")})(ctx), "refused")

	assert.NoError(t, Goroutines(1_000_000)(ctx))
	assert.Error(t, Goroutines(0)(ctx))

	assert.NoError(t, GCPause(time.Hour)(ctx))
	assert.Equal(t, 3*time.Millisecond, maxPause([]time.Duration{time.Millisecond, 3 * time.Millisecond, 2 * time.Millisecond}))
	assert.Zero(t, maxPause(nil))
}
