package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"drtdispatch/internal/model"
	"drtdispatch/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordStore struct {
	*store.Memory
	mu    sync.Mutex
	marks []markRec
	fails []failRec
}

type markRec struct {
	ID      string
	Success bool
	Code    int
	LastErr string
}

type failRec struct {
	ID      string
	Code    int
	LastErr string
}

func (r *recordStore) MarkNotification(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	r.mu.Lock()
	r.marks = append(r.marks, markRec{ID: id, Success: success, Code: responseCode, LastErr: lastError})
	r.mu.Unlock()
	return r.Memory.MarkNotification(ctx, id, success, nextAttemptAt, lastError, responseCode, latencyMs)
}

func (r *recordStore) FailNotification(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	r.mu.Lock()
	r.fails = append(r.fails, failRec{ID: id, Code: responseCode, LastErr: lastError})
	r.mu.Unlock()
	return r.Memory.FailNotification(ctx, id, lastError, responseCode, latencyMs)
}

func TestWorkerProcessOnce_SuccessAndSignature(t *testing.T) {
	var gotSig, gotType string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(SignatureHeader)
		gotType = r.Header.Get("X-Event-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	rs := &recordStore{Memory: store.NewMemory()}
	ctx := context.Background()
	pub := NewPublisher(rs, srv.URL, "s3cret")
	require.NoError(t, pub.Enqueue(ctx, model.Decision{ID: "dec_1", TenantID: "t1", RequestID: "r1", VehicleID: "v1", Cost: 42}))

	var observed []string
	w := NewWorker(rs, WithHTTPClient(srv.Client()), WithMaxAttempts(3),
		WithObserver(func(eventType, status string, _ time.Duration) { observed = append(observed, eventType+"/"+status) }))
	w.processOnce()

	assert.Equal(t, EventDecided, gotType)
	assert.True(t, Verify("s3cret", gotBody, gotSig))

	var evt Event
	require.NoError(t, json.Unmarshal(gotBody, &evt))
	assert.Equal(t, "dec_1", evt.Data.ID)
	assert.Equal(t, "t1", evt.TenantID)

	require.Len(t, rs.marks, 1)
	assert.True(t, rs.marks[0].Success)
	assert.Equal(t, http.StatusNoContent, rs.marks[0].Code)
	assert.Equal(t, []string{"insertion.decided/delivered"}, observed)

	notes, _, err := rs.ListNotifications(ctx, "t1", store.StatusDelivered, "", 10)
	require.NoError(t, err)
	assert.Len(t, notes, 1)
}

func TestWorkerProcessOnce_RetryThenFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	rs := &recordStore{Memory: store.NewMemory()}
	_, err := rs.Memory.EnqueueNotification(context.Background(), "t1", EventDecided, srv.URL, "", []byte(`{}`))
	require.NoError(t, err)

	w := NewWorker(rs, WithHTTPClient(srv.Client()), WithMaxAttempts(1))
	w.processOnce()

	assert.Empty(t, rs.marks)
	require.Len(t, rs.fails, 1)
	assert.Equal(t, http.StatusBadGateway, rs.fails[0].Code)
	assert.Contains(t, rs.fails[0].LastErr, "502")
}

func TestWorkerProcessOnce_SchedulesRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	rs := &recordStore{Memory: store.NewMemory()}
	_, err := rs.Memory.EnqueueNotification(context.Background(), "t1", EventDecided, srv.URL, "", []byte(`{}`))
	require.NoError(t, err)

	w := NewWorker(rs, WithHTTPClient(srv.Client()), WithMaxAttempts(5))
	w.processOnce()
	require.Len(t, rs.marks, 1)
	assert.False(t, rs.marks[0].Success)

	// backoff pushes the next attempt into the future
	w.processOnce()
	assert.Len(t, rs.marks, 1)
}

func TestWorkerStartStop(t *testing.T) {
	hits := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case hits <- struct{}{}:
		default:
		}
	}))
	defer srv.Close()

	rs := &recordStore{Memory: store.NewMemory()}
	_, err := rs.Memory.EnqueueNotification(context.Background(), "t1", EventDecided, srv.URL, "", []byte(`{}`))
	require.NoError(t, err)

	w := NewWorker(rs, WithHTTPClient(srv.Client()), WithInterval(10*time.Millisecond))
	w.Start()
	select {
	case <-hits:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never delivered")
	}
	w.Stop()
	w.Stop()
}

func TestNextBackoff(t *testing.T) {
	assert.Equal(t, time.Second, nextBackoff(0))
	assert.Equal(t, 8*time.Second, nextBackoff(3))
	assert.Equal(t, 1024*time.Second, nextBackoff(40))
	assert.Equal(t, time.Second, nextBackoff(-2))
}

func TestSignature(t *testing.T) {
	body := []byte(`{"a":1}`)
	sig := Sign("k", body)
	assert.True(t, Verify("k", body, sig))
	assert.False(t, Verify("other", body, sig))
	assert.False(t, Verify("k", []byte(`{"a":2}`), sig))
}

func TestWorkerProcessOnce_EachDeliveryGetsItsOwnDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(120 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rs := &recordStore{Memory: store.NewMemory()}
	for range 3 {
		_, err := rs.Memory.EnqueueNotification(context.Background(), "t1", EventDecided, srv.URL, "", []byte(`{}`))
		require.NoError(t, err)
	}

	// the batch takes longer than one delivery timeout, no single delivery does
	w := NewWorker(rs, WithHTTPClient(srv.Client()), WithDeliveryTimeout(300*time.Millisecond))
	w.processOnce()

	require.Len(t, rs.marks, 3)
	for _, m := range rs.marks {
		assert.True(t, m.Success, m.LastErr)
	}
	assert.Empty(t, rs.fails)
}
