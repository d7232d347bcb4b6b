package dispatch

import (
	"context"
	"errors"
	"fmt"

	"drtdispatch/internal/detour"
	"drtdispatch/internal/insertion"
	"drtdispatch/internal/model"

	"go.uber.org/zap"
)

// Fleet is the read side of the fleet-state store.
type Fleet interface {
	GetVehicle(ctx context.Context, tenantID, id string) (model.Vehicle, error)
	ListVehicles(ctx context.Context, tenantID, cursor string, limit int) ([]model.Vehicle, string, error)
}

// Journal records decisions for audit.
type Journal interface {
	SaveDecision(ctx context.Context, d model.Decision) error
}

// Emitter announces decisions to live subscribers.
type Emitter interface {
	EmitDecision(tenantID string, d model.Decision)
}

// Notifier forwards decisions to the scheduling orchestrator.
type Notifier interface {
	Enqueue(ctx context.Context, d model.Decision) error
}

const fleetPageSize = 500

// Service runs dispatch cycles for a tenant: snapshot the fleet, complete detour data,
// pick the best insertion and announce it. Accepted insertions are not written back into
// any schedule.
type Service struct {
	disp     *Dispatcher
	fleet    Fleet
	journal  Journal
	detours  detour.Provider
	emit     Emitter
	notify   Notifier
	log      *zap.Logger
	strategy string
}

type ServiceOption func(*Service)

func WithEmitter(e Emitter) ServiceOption   { return func(s *Service) { s.emit = e } }
func WithNotifier(n Notifier) ServiceOption { return func(s *Service) { s.notify = n } }

// WithStrategyName tags recorded decisions with the configured cost strategy.
func WithStrategyName(name string) ServiceOption { return func(s *Service) { s.strategy = name } }

func WithServiceLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

func NewService(disp *Dispatcher, fleet Fleet, journal Journal, detours detour.Provider, opts ...ServiceOption) *Service {
	if detours == nil {
		detours = detour.None{}
	}
	s := &Service{disp: disp, fleet: fleet, journal: journal, detours: detours, log: zap.NewNop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) now(override *float64) float64 {
	if override != nil {
		return *override
	}
	return s.disp.Now()
}

// Slack reports how much delay the vehicle can still absorb.
func (s *Service) Slack(ctx context.Context, tenantID, vehicleID string, now *float64) (model.SlackOut, error) {
	v, err := s.fleet.GetVehicle(ctx, tenantID, vehicleID)
	if err != nil {
		return model.SlackOut{}, fmt.Errorf("get vehicle %s: %w", vehicleID, err)
	}
	t := s.now(now)
	return model.SlackOut{VehicleID: v.ID, Now: t, Slack: insertion.VehicleSlack(v.Entry(), t)}, nil
}

// Evaluate scores each requested candidate without selecting one.
func (s *Service) Evaluate(ctx context.Context, tenantID string, in model.EvaluateRequest) (model.EvaluateResponse, error) {
	req := in.Request.Request()
	now := s.now(in.Now)
	cands, err := s.explicitCandidates(ctx, tenantID, req, in.Candidates)
	if err != nil {
		return model.EvaluateResponse{}, err
	}
	outs, err := s.disp.EvaluateAllAt(ctx, req, cands, now)
	if err != nil {
		return model.EvaluateResponse{}, err
	}
	resp := model.EvaluateResponse{RequestID: req.ID, Now: now, Results: make([]model.CandidateResult, len(outs))}
	for i, o := range outs {
		c := cands[i]
		r := model.CandidateResult{
			VehicleID:    c.Vehicle.ID,
			PickupIndex:  c.Insertion.PickupIndex,
			DropoffIndex: c.Insertion.DropoffIndex,
			Verdict:      o.Verdict,
			Slack:        o.Slack,
		}
		if cost, ok := o.Result.Cost(); ok {
			info := model.TimeInfoFrom(o.Info)
			r.Cost = &cost
			r.DetourTimeInfo = &info
		}
		resp.Results[i] = r
	}
	return resp, nil
}

// Dispatch selects, records and announces the best insertion for in.Request.
func (s *Service) Dispatch(ctx context.Context, tenantID string, in model.DispatchRequest) (model.Decision, error) {
	req := in.Request.Request()
	now := s.now(in.Now)

	var cands []Candidate
	var err error
	if len(in.Candidates) > 0 {
		cands, err = s.explicitCandidates(ctx, tenantID, req, in.Candidates)
	} else {
		cands, err = s.enumerate(ctx, tenantID, req, in.VehicleIDs)
	}
	if err != nil {
		return model.Decision{}, err
	}

	dec, err := s.disp.BestAt(ctx, req, cands, now)
	if err != nil {
		return model.Decision{}, err
	}
	out := model.Decision{
		ID:           dec.ID,
		TenantID:     tenantID,
		RequestID:    dec.RequestID,
		VehicleID:    dec.VehicleID,
		PickupIndex:  dec.Insertion.PickupIndex,
		DropoffIndex: dec.Insertion.DropoffIndex,
		Cost:         dec.Cost,
		TimeInfo:     model.TimeInfoFrom(dec.Info),
		Slack:        dec.Slack,
		Evaluated:    dec.Evaluated,
		Feasible:     dec.Feasible,
		Strategy:     s.strategy,
		DecidedAt:    dec.DecidedAt,
	}
	if s.journal != nil {
		if err := s.journal.SaveDecision(ctx, out); err != nil {
			return model.Decision{}, fmt.Errorf("save decision %s: %w", out.ID, err)
		}
	}
	if s.emit != nil {
		s.emit.EmitDecision(tenantID, out)
	}
	if s.notify != nil {
		if err := s.notify.Enqueue(ctx, out); err != nil {
			s.log.Warn("notify enqueue failed", zap.String("decision_id", out.ID), zap.Error(err))
		}
	}
	s.log.Info("dispatch decided",
		zap.String("tenant_id", tenantID),
		zap.String("request_id", out.RequestID),
		zap.String("vehicle_id", out.VehicleID),
		zap.Float64("cost", out.Cost),
		zap.Int("evaluated", out.Evaluated))
	return out, nil
}

// explicitCandidates resolves caller-named candidates, asking the detour provider only for
// those sent without detour data.
func (s *Service) explicitCandidates(ctx context.Context, tenantID string, req insertion.Request, in []model.CandidateIn) ([]Candidate, error) {
	vehicles := map[string]*insertion.VehicleEntry{}
	missing := map[string][]int{}
	var order []string
	cands := make([]Candidate, len(in))
	for i, c := range in {
		v, ok := vehicles[c.VehicleID]
		if !ok {
			mv, err := s.fleet.GetVehicle(ctx, tenantID, c.VehicleID)
			if err != nil {
				return nil, fmt.Errorf("candidate %d: vehicle %s: %w", i, c.VehicleID, err)
			}
			v = mv.Entry()
			vehicles[c.VehicleID] = v
		}
		cands[i] = Candidate{Vehicle: v, Insertion: insertion.Insertion{PickupIndex: c.PickupIndex, DropoffIndex: c.DropoffIndex}}
		if c.Detour != nil {
			cands[i].Detour = c.Detour.Data()
			continue
		}
		if _, seen := missing[c.VehicleID]; !seen {
			order = append(order, c.VehicleID)
		}
		missing[c.VehicleID] = append(missing[c.VehicleID], i)
	}

	for _, vid := range order {
		idx := missing[vid]
		ins := make([]insertion.Insertion, len(idx))
		for k, i := range idx {
			if err := cands[i].Insertion.Validate(len(vehicles[vid].Stops)); err != nil {
				return nil, fmt.Errorf("%w: candidate %d (vehicle %s): %w", ErrInvalidCandidate, i, vid, err)
			}
			ins[k] = cands[i].Insertion
		}
		data, err := s.fetchDetours(ctx, req, vehicles[vid], ins)
		if err != nil {
			return nil, err
		}
		for k, i := range idx {
			cands[i].Detour = data[k]
		}
	}
	return cands, nil
}

// enumerate builds every valid insertion for the selected vehicles. Vehicles whose detours
// cannot be obtained are skipped; if that leaves nothing to evaluate the last provider error
// is returned.
func (s *Service) enumerate(ctx context.Context, tenantID string, req insertion.Request, vehicleIDs []string) ([]Candidate, error) {
	fleet, err := s.snapshot(ctx, tenantID, vehicleIDs)
	if err != nil {
		return nil, err
	}
	var cands []Candidate
	var lastErr error
	skipped := 0
	for _, mv := range fleet {
		v := mv.Entry()
		ins := AllInsertions(len(v.Stops))
		data, err := s.fetchDetours(ctx, req, v, ins)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.log.Warn("skipping vehicle without detour data", zap.String("vehicle_id", v.ID), zap.Error(err))
			lastErr = err
			skipped++
			continue
		}
		for k := range ins {
			cands = append(cands, Candidate{Vehicle: v, Insertion: ins[k], Detour: data[k]})
		}
	}
	if len(cands) == 0 && skipped > 0 {
		return nil, fmt.Errorf("request %s: all %d vehicles skipped: %w", req.ID, skipped, lastErr)
	}
	return cands, nil
}

// fetchDetours asks the provider for one vehicle and checks its answer. Anything wrong with
// the answer is reported as detour.ErrUnavailable, never as a caller error.
func (s *Service) fetchDetours(ctx context.Context, req insertion.Request, v *insertion.VehicleEntry, ins []insertion.Insertion) ([]insertion.DetourData, error) {
	data, err := s.detours.Detours(ctx, req, v, ins)
	if err != nil {
		if errors.Is(err, detour.ErrUnavailable) || ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("vehicle %s: %w: %w", v.ID, detour.ErrUnavailable, err)
	}
	if len(data) != len(ins) {
		return nil, fmt.Errorf("vehicle %s: %w: got %d detours for %d insertions", v.ID, detour.ErrUnavailable, len(data), len(ins))
	}
	for k, d := range data {
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("vehicle %s insertion (%d,%d): %w: %w", v.ID, ins[k].PickupIndex, ins[k].DropoffIndex, detour.ErrUnavailable, err)
		}
	}
	return data, nil
}

func (s *Service) snapshot(ctx context.Context, tenantID string, vehicleIDs []string) ([]model.Vehicle, error) {
	if len(vehicleIDs) > 0 {
		out := make([]model.Vehicle, 0, len(vehicleIDs))
		for _, id := range vehicleIDs {
			v, err := s.fleet.GetVehicle(ctx, tenantID, id)
			if err != nil {
				return nil, fmt.Errorf("vehicle %s: %w", id, err)
			}
			out = append(out, v)
		}
		return out, nil
	}
	var out []model.Vehicle
	cursor := ""
	for {
		page, next, err := s.fleet.ListVehicles(ctx, tenantID, cursor, fleetPageSize)
		if err != nil {
			return nil, fmt.Errorf("list vehicles: %w", err)
		}
		out = append(out, page...)
		if next == "" {
			return out, nil
		}
		cursor = next
	}
}

// AllInsertions lists every (pickup, dropoff) pair with 0 <= pickup <= dropoff <= stopCount.
func AllInsertions(stopCount int) []insertion.Insertion {
	out := make([]insertion.Insertion, 0, (stopCount+1)*(stopCount+2)/2)
	for p := 0; p <= stopCount; p++ {
		for d := p; d <= stopCount; d++ {
			out = append(out, insertion.Insertion{PickupIndex: p, DropoffIndex: d})
		}
	}
	return out
}
