// Package dispatch fans insertion candidates out to the evaluator and reduces the results to
// a single decision per request.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"drtdispatch/internal/insertion"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrInvalidCandidate    = errors.New("invalid candidate")
	ErrNoFeasibleInsertion = errors.New("no feasible insertion")
)

// errAccepted stops the fan-out once a good-enough candidate was found.
var errAccepted = errors.New("accepted")

// Verdicts reported per evaluated candidate.
const (
	VerdictFeasible   = "feasible"
	VerdictInfeasible = "infeasible"
	VerdictNoSlack    = "no_slack"
	VerdictSkipped    = "skipped"
)

// Candidate is one (vehicle, insertion, detour) triple offered to the dispatcher.
type Candidate struct {
	Vehicle   *insertion.VehicleEntry
	Insertion insertion.Insertion
	Detour    insertion.DetourData
}

// Outcome is the evaluation result of a single candidate.
type Outcome struct {
	Index   int
	Verdict string
	Result  insertion.CostResult
	Info    insertion.DetourTimeInfo
	Slack   float64
}

// Decision is the winning insertion of one dispatch cycle.
type Decision struct {
	ID        string
	RequestID string
	VehicleID string
	Insertion insertion.Insertion
	Cost      float64
	Info      insertion.DetourTimeInfo
	Slack     float64
	Evaluated int
	Feasible  int
	DecidedAt time.Time
}

// Recorder receives dispatch telemetry. metrics.DispatchRecorder implements it.
type Recorder interface {
	ObserveEvaluation(verdict string)
	ObserveDispatch(outcome string, took time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ObserveEvaluation(string)               {}
func (nopRecorder) ObserveDispatch(string, time.Duration) {}

// Dispatcher evaluates candidates concurrently. It is safe for concurrent use.
type Dispatcher struct {
	eval         *insertion.Evaluator
	workers      int
	clock        func() float64
	log          *zap.Logger
	rec          Recorder
	threshold    float64
	hasThreshold bool
}

type Option func(*Dispatcher)

// WithWorkers bounds the number of concurrent evaluations. n <= 0 means GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithClock sets the source of "now" used for slack, in seconds.
func WithClock(clock func() float64) Option {
	return func(d *Dispatcher) {
		if clock != nil {
			d.clock = clock
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

func WithMetrics(r Recorder) Option {
	return func(d *Dispatcher) {
		if r != nil {
			d.rec = r
		}
	}
}

// WithAcceptThreshold lets Best stop early once any feasible candidate costs at most cost.
// Which candidate wins is then no longer deterministic.
func WithAcceptThreshold(cost float64) Option {
	return func(d *Dispatcher) {
		d.threshold = cost
		d.hasThreshold = true
	}
}

// WallClock returns the current Unix time in seconds.
func WallClock() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

func New(eval *insertion.Evaluator, opts ...Option) *Dispatcher {
	if eval == nil {
		eval = insertion.NewEvaluator(nil)
	}
	d := &Dispatcher{
		eval:    eval,
		workers: runtime.GOMAXPROCS(0),
		clock:   WallClock,
		log:     zap.NewNop(),
		rec:     nopRecorder{},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Dispatcher) Now() float64 { return d.clock() }

// Best returns the cheapest feasible candidate.
func (d *Dispatcher) Best(ctx context.Context, req insertion.Request, candidates []Candidate) (Decision, error) {
	return d.BestAt(ctx, req, candidates, d.clock())
}

// BestAt is Best with an explicit "now" for the slack gate.
func (d *Dispatcher) BestAt(ctx context.Context, req insertion.Request, candidates []Candidate, now float64) (Decision, error) {
	start := time.Now()
	outcomes, err := d.run(ctx, req, candidates, now, d.hasThreshold)
	if err != nil {
		d.rec.ObserveDispatch("error", time.Since(start))
		return Decision{}, err
	}

	best := -1
	evaluated, feasible := 0, 0
	for i := range outcomes {
		if outcomes[i].Verdict != VerdictSkipped {
			evaluated++
		}
		if !outcomes[i].Result.IsFeasible() {
			continue
		}
		feasible++
		if best < 0 || better(candidates, outcomes, i, best) {
			best = i
		}
	}
	took := time.Since(start)
	if best < 0 {
		d.rec.ObserveDispatch("none", took)
		d.log.Debug("no feasible insertion",
			zap.String("request_id", req.ID),
			zap.Int("candidates", len(candidates)),
			zap.Int("evaluated", evaluated))
		return Decision{}, fmt.Errorf("request %s: %w", req.ID, ErrNoFeasibleInsertion)
	}

	win := outcomes[best]
	c := candidates[best]
	cost, _ := win.Result.Cost()
	dec := Decision{
		ID:        uuid.NewString(),
		RequestID: req.ID,
		VehicleID: c.Vehicle.ID,
		Insertion: c.Insertion,
		Cost:      cost,
		Info:      win.Info,
		Slack:     win.Slack,
		Evaluated: evaluated,
		Feasible:  feasible,
		DecidedAt: time.Now().UTC(),
	}
	d.rec.ObserveDispatch("selected", took)
	d.log.Debug("insertion selected",
		zap.String("request_id", req.ID),
		zap.String("vehicle_id", dec.VehicleID),
		zap.Int("pickup_idx", dec.Insertion.PickupIndex),
		zap.Int("dropoff_idx", dec.Insertion.DropoffIndex),
		zap.Float64("cost", cost),
		zap.Int("evaluated", evaluated),
		zap.Duration("took", took))
	return dec, nil
}

// EvaluateAll evaluates every candidate and returns the outcomes in input order.
func (d *Dispatcher) EvaluateAll(ctx context.Context, req insertion.Request, candidates []Candidate) ([]Outcome, error) {
	return d.run(ctx, req, candidates, d.clock(), false)
}

// EvaluateAllAt is EvaluateAll with an explicit "now".
func (d *Dispatcher) EvaluateAllAt(ctx context.Context, req insertion.Request, candidates []Candidate, now float64) ([]Outcome, error) {
	return d.run(ctx, req, candidates, now, false)
}

func (d *Dispatcher) run(ctx context.Context, req insertion.Request, candidates []Candidate, now float64, earlyExit bool) ([]Outcome, error) {
	if err := validate(candidates); err != nil {
		return nil, err
	}

	slack := make(map[*insertion.VehicleEntry]float64)
	for _, c := range candidates {
		if _, ok := slack[c.Vehicle]; !ok {
			slack[c.Vehicle] = insertion.VehicleSlack(c.Vehicle, now)
		}
	}

	outcomes := make([]Outcome, len(candidates))
	for i := range outcomes {
		outcomes[i] = Outcome{Index: i, Verdict: VerdictSkipped}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.workers)
	var accepted atomic.Bool
	for i := range candidates {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			c := candidates[i]
			out := d.evaluate(req, c, slack[c.Vehicle])
			out.Index = i
			outcomes[i] = out
			d.rec.ObserveEvaluation(out.Verdict)
			if earlyExit && out.Result.IsFeasible() && out.Result.Value() <= d.threshold {
				accepted.Store(true)
				return errAccepted
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, errAccepted) {
		return nil, err
	}
	if err := ctx.Err(); err != nil && !accepted.Load() {
		return nil, err
	}
	return outcomes, nil
}

func (d *Dispatcher) evaluate(req insertion.Request, c Candidate, slack float64) Outcome {
	out := Outcome{Slack: slack, Verdict: VerdictInfeasible}
	info, ok := d.eval.DetourTimeInfo(req, c.Vehicle, c.Insertion, c.Detour)
	if !ok {
		return out
	}
	if info.TotalTimeLoss() > slack {
		out.Verdict = VerdictNoSlack
		return out
	}
	res := d.eval.Evaluate(req, c.Vehicle, c.Insertion, c.Detour)
	if !res.IsFeasible() {
		return out
	}
	out.Verdict = VerdictFeasible
	out.Result = res
	out.Info = info
	return out
}

func validate(candidates []Candidate) error {
	for i, c := range candidates {
		if c.Vehicle == nil {
			return fmt.Errorf("%w: candidate %d has no vehicle", ErrInvalidCandidate, i)
		}
		if err := c.Insertion.Validate(len(c.Vehicle.Stops)); err != nil {
			return fmt.Errorf("%w: candidate %d (vehicle %s): %w", ErrInvalidCandidate, i, c.Vehicle.ID, err)
		}
		if err := c.Detour.Validate(); err != nil {
			return fmt.Errorf("%w: candidate %d (vehicle %s): %w", ErrInvalidCandidate, i, c.Vehicle.ID, err)
		}
	}
	return nil
}

// better orders feasible outcomes: cost, total time loss, departure time, vehicle id,
// pickup index, dropoff index.
func better(cs []Candidate, outs []Outcome, i, j int) bool {
	a, b := outs[i], outs[j]
	if ac, bc := a.Result.Value(), b.Result.Value(); ac != bc {
		return ac < bc
	}
	if al, bl := a.Info.TotalTimeLoss(), b.Info.TotalTimeLoss(); al != bl {
		return al < bl
	}
	if a.Info.DepartureTime != b.Info.DepartureTime {
		return a.Info.DepartureTime < b.Info.DepartureTime
	}
	ca, cb := cs[i], cs[j]
	if ca.Vehicle.ID != cb.Vehicle.ID {
		return ca.Vehicle.ID < cb.Vehicle.ID
	}
	if ca.Insertion.PickupIndex != cb.Insertion.PickupIndex {
		return ca.Insertion.PickupIndex < cb.Insertion.PickupIndex
	}
	if ca.Insertion.DropoffIndex != cb.Insertion.DropoffIndex {
		return ca.Insertion.DropoffIndex < cb.Insertion.DropoffIndex
	}
	return i < j
}
