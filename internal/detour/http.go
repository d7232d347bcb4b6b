package detour

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"drtdispatch/internal/insertion"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type httpStatusError struct {
	Code int
	Body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("detour service returned %d: %s", e.Code, e.Body)
}

type stopWire struct {
	BeginTime           float64 `json:"beginTime"`
	EndTime             float64 `json:"endTime"`
	LatestArrivalTime   float64 `json:"latestArrivalTime"`
	LatestDepartureTime float64 `json:"latestDepartureTime"`
}

type insertionWire struct {
	PickupIndex  int `json:"pickupIndex"`
	DropoffIndex int `json:"dropoffIndex"`
}

type detourRequest struct {
	RequestID         string          `json:"requestId"`
	EarliestStartTime float64         `json:"earliestStartTime"`
	LatestStartTime   float64         `json:"latestStartTime"`
	LatestArrivalTime float64         `json:"latestArrivalTime"`
	VehicleID         string          `json:"vehicleId"`
	Stops             []stopWire      `json:"stops"`
	Insertions        []insertionWire `json:"insertions"`
}

type detourWire struct {
	DepartureTime   float64 `json:"departureTime"`
	ArrivalTime     float64 `json:"arrivalTime"`
	PickupTimeLoss  float64 `json:"pickupTimeLoss"`
	DropoffTimeLoss float64 `json:"dropoffTimeLoss"`
	Infeasible      bool    `json:"infeasible"`
}

type detourResponse struct {
	Detours []detourWire `json:"detours"`
}

// HTTPProvider asks a remote detour service for insertion timings, one POST per vehicle.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	session *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
	observe func(status string)
	backoff time.Duration
}

type HTTPOption func(*HTTPProvider)

func WithAPIKey(key string) HTTPOption { return func(p *HTTPProvider) { p.apiKey = key } }

func WithHTTPClient(c *http.Client) HTTPOption {
	return func(p *HTTPProvider) {
		if c != nil {
			p.session = c
		}
	}
}

// WithRateLimit caps outbound calls to rps with the given burst. rps <= 0 disables limiting.
func WithRateLimit(rps float64, burst int) HTTPOption {
	return func(p *HTTPProvider) {
		if rps <= 0 {
			p.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithLogger(l *zap.Logger) HTTPOption {
	return func(p *HTTPProvider) {
		if l != nil {
			p.log = l
		}
	}
}

// WithObserver is called once per outbound attempt with "ok", "error" or the HTTP status.
func WithObserver(fn func(status string)) HTTPOption {
	return func(p *HTTPProvider) {
		if fn != nil {
			p.observe = fn
		}
	}
}

func withBackoff(d time.Duration) HTTPOption { return func(p *HTTPProvider) { p.backoff = d } }

func NewHTTPProvider(baseURL string, opts ...HTTPOption) *HTTPProvider {
	p := &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		session: &http.Client{Timeout: 10 * time.Second},
		log:     zap.NewNop(),
		observe: func(string) {},
		backoff: 200 * time.Millisecond,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *HTTPProvider) Detours(ctx context.Context, req insertion.Request, vehicle *insertion.VehicleEntry, ins []insertion.Insertion) ([]insertion.DetourData, error) {
	if len(ins) == 0 {
		return nil, nil
	}
	body := detourRequest{
		RequestID:         req.ID,
		EarliestStartTime: req.EarliestStartTime,
		LatestStartTime:   req.LatestStartTime,
		LatestArrivalTime: req.LatestArrivalTime,
		VehicleID:         vehicle.ID,
		Stops:             make([]stopWire, len(vehicle.Stops)),
		Insertions:        make([]insertionWire, len(ins)),
	}
	for i, s := range vehicle.Stops {
		body.Stops[i] = stopWire{s.BeginTime, s.EndTime, s.LatestArrivalTime, s.LatestDepartureTime}
	}
	for i, in := range ins {
		body.Insertions[i] = insertionWire{in.PickupIndex, in.DropoffIndex}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal detour request: %w", err)
	}

	endpoint := p.baseURL + "/v1/detours"
	resp, err := p.doWithRetry(ctx, func() (*http.Request, error) {
		return p.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	})
	if err != nil {
		return nil, fmt.Errorf("vehicle %s: %w: %w", vehicle.ID, ErrUnavailable, err)
	}
	defer resp.Body.Close()

	var dr detourResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return nil, fmt.Errorf("decode detour response: %w", err)
	}
	if len(dr.Detours) != len(ins) {
		return nil, fmt.Errorf("vehicle %s: %w: got %d detours for %d insertions", vehicle.ID, ErrUnavailable, len(dr.Detours), len(ins))
	}
	out := make([]insertion.DetourData, len(ins))
	for i, d := range dr.Detours {
		out[i] = insertion.DetourData{
			DepartureTime:   d.DepartureTime,
			ArrivalTime:     d.ArrivalTime,
			PickupTimeLoss:  d.PickupTimeLoss,
			DropoffTimeLoss: d.DropoffTimeLoss,
			Infeasible:      d.Infeasible,
		}
	}
	return out, nil
}

func (p *HTTPProvider) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", p.apiKey)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (p *HTTPProvider) do(req *http.Request) (*http.Response, error) {
	resp, err := p.session.Do(req)
	if err != nil {
		p.observe("error")
		return nil, err
	}
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		p.observe(fmt.Sprintf("%d", resp.StatusCode))
		return nil, &httpStatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	p.observe("ok")
	return resp, nil
}

// doWithRetry retries network errors and 429/5xx answers with exponential backoff.
func (p *HTTPProvider) doWithRetry(ctx context.Context, makeReq func() (*http.Request, error)) (*http.Response, error) {
	const maxAttempts = 4
	backoff := p.backoff

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		req, err := makeReq()
		if err != nil {
			return nil, fmt.Errorf("make request: %w", err)
		}
		resp, err := p.do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		retry := false
		var he *httpStatusError
		if errors.As(err, &he) {
			switch he.Code {
			case 429, 500, 502, 503, 504:
				retry = true
			}
		}
		var netErr net.Error
		if !retry && errors.As(err, &netErr) {
			retry = true
		}
		if !retry || attempt == maxAttempts {
			return nil, lastErr
		}
		p.log.Debug("detour request retry", zap.Int("attempt", attempt), zap.Error(err))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
	return nil, lastErr
}
