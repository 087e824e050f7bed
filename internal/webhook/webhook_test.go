package webhook_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagerobot/internal/webhook"
)

func TestSignVerify(t *testing.T) {
	t.Parallel()

	body := []byte(`{"jobId":"abc","status":"completed"}`)

	sig := webhook.Sign(body, "secret-one")
	assert.True(t, webhook.Verify(body, "secret-one", sig))
	assert.False(t, webhook.Verify(body, "secret-two", sig))
	assert.False(t, webhook.Verify([]byte(`{"jobId":"abc"}`), "secret-one", sig))
	assert.False(t, webhook.Verify(body, "secret-one", "not-hex"))
}

func testDispatcher() webhook.Config {
	return webhook.Config{
		MaxAttempts:  3,
		BackoffBase:  time.Millisecond,
		Timeout:      time.Second,
		AllowPrivate: true, // httptest servers listen on loopback
		OutboundRPS:  1000,
	}
}

func TestDeliver(t *testing.T) {
	t.Parallel()

	t.Run("signs the exact bytes it sends", func(t *testing.T) {
		t.Parallel()

		var gotBody []byte
		var gotSig string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotBody, _ = io.ReadAll(r.Body)
			gotSig = r.Header.Get(webhook.SignatureHeader)
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		d := webhook.NewDispatcher(testDispatcher())
		err := d.Deliver(context.Background(), srv.URL, "a-long-enough-secret", &webhook.Payload{
			JobID:     "job-1",
			Status:    "completed",
			Data:      json.RawMessage(`{"title":"Widget"}`),
			Timestamp: time.Now().UTC(),
		})
		require.NoError(t, err)
		assert.True(t, webhook.Verify(gotBody, "a-long-enough-secret", gotSig))

		var p webhook.Payload
		require.NoError(t, json.Unmarshal(gotBody, &p))
		assert.Equal(t, "job-1", p.JobID)
	})

	t.Run("retries until the endpoint recovers", func(t *testing.T) {
		t.Parallel()

		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()

		d := webhook.NewDispatcher(testDispatcher())
		err := d.Deliver(context.Background(), srv.URL, "a-long-enough-secret", &webhook.Payload{JobID: "job-2", Status: "failed"})
		require.NoError(t, err)
		assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		t.Parallel()

		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		d := webhook.NewDispatcher(testDispatcher())
		err := d.Deliver(context.Background(), srv.URL, "a-long-enough-secret", &webhook.Payload{JobID: "job-3", Status: "completed"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exhausted")
		assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	})

	t.Run("private targets are rejected before any attempt", func(t *testing.T) {
		t.Parallel()

		cfg := testDispatcher()
		cfg.AllowPrivate = false
		d := webhook.NewDispatcher(cfg)

		err := d.Deliver(context.Background(), "https://127.0.0.1/hook", "a-long-enough-secret", &webhook.Payload{JobID: "job-4", Status: "completed"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "private")
	})

	t.Run("context cancellation stops the retry loop", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		cfg := testDispatcher()
		cfg.BackoffBase = time.Minute
		d := webhook.NewDispatcher(cfg)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()
		err := d.Deliver(ctx, srv.URL, "a-long-enough-secret", &webhook.Payload{JobID: "job-5", Status: "completed"})
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
