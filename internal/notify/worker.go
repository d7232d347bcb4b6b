package notify

import (
	"bytes"
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"drtdispatch/internal/store"

	"go.uber.org/zap"
)

// Queue is the part of the store the worker drains.
type Queue interface {
	FetchDueNotifications(ctx context.Context, limit int) ([]store.Notification, error)
	MarkNotification(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailNotification(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
}

// Observer receives one call per delivery attempt.
type Observer func(eventType, status string, latency time.Duration)

type Worker struct {
	queue       Queue
	http        *http.Client
	log         *zap.Logger
	observe     Observer
	maxAttempts int
	interval    time.Duration
	timeout     time.Duration
	batch       int

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

type WorkerOption func(*Worker)

func WithHTTPClient(c *http.Client) WorkerOption { return func(w *Worker) { w.http = c } }
func WithLogger(l *zap.Logger) WorkerOption      { return func(w *Worker) { w.log = l } }
func WithObserver(o Observer) WorkerOption       { return func(w *Worker) { w.observe = o } }

func WithMaxAttempts(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.maxAttempts = n
		}
	}
}

func WithInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithDeliveryTimeout bounds one POST together with its bookkeeping.
func WithDeliveryTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.timeout = d
		}
	}
}

func NewWorker(q Queue, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:       q,
		http:        &http.Client{Timeout: 5 * time.Second},
		log:         zap.NewNop(),
		observe:     func(string, string, time.Duration) {},
		maxAttempts: 10,
		interval:    time.Second,
		timeout:     10 * time.Second,
		batch:       50,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Start polls the queue until Stop is called.
func (w *Worker) Start() {
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
				w.processOnce()
			}
		}
	}()
}

// Stop ends polling and waits for an in-flight batch to finish.
func (w *Worker) Stop() {
	w.once.Do(func() { close(w.stop) })
	<-w.done
}

func (w *Worker) processOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	items, err := w.queue.FetchDueNotifications(ctx, w.batch)
	cancel()
	if err != nil {
		w.log.Warn("fetch due notifications", zap.Error(err))
		return
	}
	for _, it := range items {
		// undelivered items stay due for the next poll
		select {
		case <-w.stop:
			return
		default:
		}
		dctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		w.deliver(dctx, it)
		cancel()
	}
}

func (w *Worker) deliver(ctx context.Context, it store.Notification) {
	start := time.Now()
	code, err := w.post(ctx, it)
	took := time.Since(start)
	latency := int(took.Milliseconds())
	success := err == nil && code >= 200 && code < 300
	lastErr := ""
	switch {
	case err != nil:
		lastErr = err.Error()
	case !success:
		lastErr = "unexpected status " + strconv.Itoa(code)
	}

	status := "delivered"
	if !success {
		status = "retry"
		if it.Attempts+1 >= w.maxAttempts {
			status = "failed"
		}
	}
	w.observe(it.EventType, status, took)

	switch status {
	case "failed":
		w.log.Warn("notification dead-lettered", zap.String("id", it.ID), zap.Int("attempts", it.Attempts+1), zap.String("error", lastErr))
		if err := w.queue.FailNotification(ctx, it.ID, lastErr, code, latency); err != nil {
			w.log.Error("fail notification", zap.String("id", it.ID), zap.Error(err))
		}
	default:
		next := time.Now().Add(nextBackoff(it.Attempts))
		if err := w.queue.MarkNotification(ctx, it.ID, success, &next, lastErr, code, latency); err != nil {
			w.log.Error("mark notification", zap.String("id", it.ID), zap.Error(err))
		}
	}
}

func (w *Worker) post(ctx context.Context, it store.Notification) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, it.URL, bytes.NewReader(it.Payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event-Type", it.EventType)
	if it.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(it.Secret, it.Payload))
	}
	resp, err := w.http.Do(req)
	if err != nil {
		return 0, err
	}
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

func nextBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 10 {
		attempts = 10
	}
	base := time.Second * time.Duration(1<<attempts)
	if base > time.Hour {
		base = time.Hour
	}
	return base
}
