package dispatch

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"drtdispatch/internal/detour"
	"drtdispatch/internal/insertion"
	"drtdispatch/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	errMissing = errors.New("missing")
	atZero     = WithClock(func() float64 { return 0 })
)

type fakeFleet struct {
	vehicles map[string]model.Vehicle
}

func (f *fakeFleet) GetVehicle(_ context.Context, _, id string) (model.Vehicle, error) {
	v, ok := f.vehicles[id]
	if !ok {
		return model.Vehicle{}, errMissing
	}
	return v, nil
}

func (f *fakeFleet) ListVehicles(_ context.Context, _, cursor string, limit int) ([]model.Vehicle, string, error) {
	ids := make([]string, 0, len(f.vehicles))
	for id := range f.vehicles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	start := sort.SearchStrings(ids, cursor)
	if cursor != "" && start < len(ids) && ids[start] == cursor {
		start++
	}
	end := min(start+limit, len(ids))
	out := make([]model.Vehicle, 0, end-start)
	for _, id := range ids[start:end] {
		out = append(out, f.vehicles[id])
	}
	next := ""
	if end < len(ids) {
		next = ids[end-1]
	}
	return out, next, nil
}

type sink struct {
	mu        sync.Mutex
	saved     []model.Decision
	emitted   []string
	notified  []string
	saveError error
}

func (s *sink) SaveDecision(_ context.Context, d model.Decision) error {
	if s.saveError != nil {
		return s.saveError
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, d)
	return nil
}

func (s *sink) EmitDecision(tenantID string, d model.Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitted = append(s.emitted, tenantID+"/"+d.ID)
}

func (s *sink) Enqueue(_ context.Context, d model.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notified = append(s.notified, d.ID)
	return nil
}

func testFleet() *fakeFleet {
	return &fakeFleet{vehicles: map[string]model.Vehicle{
		"bus-1": {ID: "bus-1", ServiceEndTime: 1000, Stops: []model.Stop{
			{RequestID: "old", Kind: "dropoff", BeginTime: 100, EndTime: 110, LatestArrivalTime: 120, LatestDepartureTime: 130},
		}},
		"bus-2": {ID: "bus-2", ServiceEndTime: 1000},
	}}
}

func TestService_DispatchEnumeratesFleet(t *testing.T) {
	st := detour.NewStatic().
		Set("bus-1", insertion.Insertion{PickupIndex: 0, DropoffIndex: 0}, loss(15, 10)).
		Set("bus-1", insertion.Insertion{PickupIndex: 1, DropoffIndex: 1}, loss(6, 6)).
		Set("bus-2", insertion.Insertion{PickupIndex: 0, DropoffIndex: 0}, loss(9, 5))
	s := &sink{}
	svc := NewService(New(nil, atZero), testFleet(), s, st, WithEmitter(s), WithNotifier(s), WithStrategyName("default"))

	now := 0.0
	dec, err := svc.Dispatch(context.Background(), "t1", model.DispatchRequest{Request: model.RideRequest{ID: "r9"}, Now: &now})
	require.NoError(t, err)

	assert.Equal(t, "bus-1", dec.VehicleID)
	assert.Equal(t, 1, dec.PickupIndex)
	assert.Equal(t, 12.0, dec.Cost)
	assert.Equal(t, 12.0, dec.TimeInfo.TotalTimeLoss)
	assert.Equal(t, "t1", dec.TenantID)
	assert.Equal(t, "default", dec.Strategy)
	// bus-1 has 3 insertion positions, bus-2 has 1
	assert.Equal(t, 4, dec.Evaluated)
	assert.Equal(t, 2, dec.Feasible)

	require.Len(t, s.saved, 1)
	assert.Equal(t, dec, s.saved[0])
	assert.Equal(t, []string{"t1/" + dec.ID}, s.emitted)
	assert.Equal(t, []string{dec.ID}, s.notified)
}

func TestService_DispatchRestrictedToVehicles(t *testing.T) {
	st := detour.NewStatic().
		Set("bus-1", insertion.Insertion{PickupIndex: 1, DropoffIndex: 1}, loss(6, 6)).
		Set("bus-2", insertion.Insertion{PickupIndex: 0, DropoffIndex: 0}, loss(9, 5))
	svc := NewService(New(nil, atZero), testFleet(), nil, st)

	dec, err := svc.Dispatch(context.Background(), "t1", model.DispatchRequest{VehicleIDs: []string{"bus-2"}})
	require.NoError(t, err)
	assert.Equal(t, "bus-2", dec.VehicleID)

	_, err = svc.Dispatch(context.Background(), "t1", model.DispatchRequest{VehicleIDs: []string{"nope"}})
	assert.ErrorIs(t, err, errMissing)
}

func TestService_DispatchSkipsVehiclesWithoutDetours(t *testing.T) {
	p := detour.ProviderFunc(func(_ context.Context, _ insertion.Request, v *insertion.VehicleEntry, ins []insertion.Insertion) ([]insertion.DetourData, error) {
		if v.ID == "bus-1" {
			return nil, detour.ErrUnavailable
		}
		out := make([]insertion.DetourData, len(ins))
		for i := range out {
			out[i] = loss(1, 1)
		}
		return out, nil
	})
	svc := NewService(New(nil, atZero), testFleet(), nil, p)
	dec, err := svc.Dispatch(context.Background(), "t1", model.DispatchRequest{})
	require.NoError(t, err)
	assert.Equal(t, "bus-2", dec.VehicleID)
	assert.Equal(t, 1, dec.Evaluated)
}

func TestService_DispatchNothingFeasible(t *testing.T) {
	s := &sink{}
	svc := NewService(New(nil, atZero), testFleet(), s, detour.NewStatic(), WithEmitter(s))
	_, err := svc.Dispatch(context.Background(), "t1", model.DispatchRequest{})
	assert.ErrorIs(t, err, ErrNoFeasibleInsertion)
	assert.Empty(t, s.saved)
	assert.Empty(t, s.emitted)
}

func TestService_DispatchJournalFailure(t *testing.T) {
	s := &sink{saveError: errors.New("disk full")}
	svc := NewService(New(nil, atZero), testFleet(), s, nil, WithEmitter(s))
	_, err := svc.Dispatch(context.Background(), "t1", model.DispatchRequest{Candidates: []model.CandidateIn{
		{VehicleID: "bus-2", Detour: &model.Detour{PickupTimeLoss: 1}},
	}})
	assert.ErrorContains(t, err, "disk full")
	assert.Empty(t, s.emitted)
}

func TestService_EvaluateMixesInlineAndProvidedDetours(t *testing.T) {
	st := detour.NewStatic().Set("bus-1", insertion.Insertion{PickupIndex: 0, DropoffIndex: 1}, loss(15, 10))
	svc := NewService(New(nil, atZero), testFleet(), nil, st)

	now := 0.0
	resp, err := svc.Evaluate(context.Background(), "t1", model.EvaluateRequest{
		Request: model.RideRequest{ID: "r1"},
		Now:     &now,
		Candidates: []model.CandidateIn{
			{VehicleID: "bus-1", PickupIndex: 0, DropoffIndex: 0, Detour: &model.Detour{PickupTimeLoss: 15, DropoffTimeLoss: 10}},
			{VehicleID: "bus-1", PickupIndex: 0, DropoffIndex: 1},
			{VehicleID: "bus-2", PickupIndex: 0, DropoffIndex: 0, Detour: &model.Detour{Infeasible: true}},
		},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 3)

	assert.Equal(t, VerdictInfeasible, resp.Results[0].Verdict)
	assert.Nil(t, resp.Results[0].Cost)

	assert.Equal(t, VerdictFeasible, resp.Results[1].Verdict)
	require.NotNil(t, resp.Results[1].Cost)
	assert.Equal(t, 25.0, *resp.Results[1].Cost)
	assert.Equal(t, 25.0, resp.Results[1].DetourTimeInfo.TotalTimeLoss)
	assert.Equal(t, 1000.0, resp.Results[1].Slack)

	assert.Equal(t, VerdictInfeasible, resp.Results[2].Verdict)
}

func TestService_EvaluateRejectsBadIndexBeforeCallingProvider(t *testing.T) {
	called := false
	p := detour.ProviderFunc(func(context.Context, insertion.Request, *insertion.VehicleEntry, []insertion.Insertion) ([]insertion.DetourData, error) {
		called = true
		return nil, nil
	})
	svc := NewService(New(nil, atZero), testFleet(), nil, p)
	_, err := svc.Evaluate(context.Background(), "t1", model.EvaluateRequest{Candidates: []model.CandidateIn{
		{VehicleID: "bus-2", PickupIndex: 1, DropoffIndex: 0},
	}})
	assert.ErrorIs(t, err, ErrInvalidCandidate)
	assert.False(t, called)
}

func TestService_Slack(t *testing.T) {
	fleet := testFleet()
	v := fleet.vehicles["bus-2"]
	v.ServiceEndTime = 200
	v.LastTask = model.StayTask{BeginTime: 150, EndTime: 200}
	fleet.vehicles["bus-2"] = v
	svc := NewService(New(nil, WithClock(func() float64 { return 160 })), fleet, nil, nil)

	out, err := svc.Slack(context.Background(), "t1", "bus-2", nil)
	require.NoError(t, err)
	assert.Equal(t, model.SlackOut{VehicleID: "bus-2", Now: 160, Slack: 40}, out)

	at := 100.0
	out, err = svc.Slack(context.Background(), "t1", "bus-2", &at)
	require.NoError(t, err)
	assert.Equal(t, 50.0, out.Slack)

	_, err = svc.Slack(context.Background(), "t1", "ghost", nil)
	assert.ErrorIs(t, err, errMissing)
}

func TestFakeFleetPaging(t *testing.T) {
	f := testFleet()
	svc := NewService(New(nil, atZero), f, nil, nil)
	got, err := svc.snapshot(context.Background(), "t1", nil)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestService_DispatchWithoutDetourService(t *testing.T) {
	svc := NewService(New(nil, atZero), testFleet(), nil, nil)
	_, err := svc.Dispatch(context.Background(), "t1", model.DispatchRequest{Request: model.RideRequest{ID: "r"}})
	assert.ErrorIs(t, err, detour.ErrUnavailable)
	assert.NotErrorIs(t, err, ErrNoFeasibleInsertion)
}

func TestService_DispatchEmptyFleetHasNothingFeasible(t *testing.T) {
	svc := NewService(New(nil, atZero), &fakeFleet{vehicles: map[string]model.Vehicle{}}, nil, nil)
	_, err := svc.Dispatch(context.Background(), "t1", model.DispatchRequest{})
	assert.ErrorIs(t, err, ErrNoFeasibleInsertion)
}

func uniformProvider(fn func(v *insertion.VehicleEntry, ins []insertion.Insertion) []insertion.DetourData) detour.Provider {
	return detour.ProviderFunc(func(_ context.Context, _ insertion.Request, v *insertion.VehicleEntry, ins []insertion.Insertion) ([]insertion.DetourData, error) {
		return fn(v, ins), nil
	})
}

func TestService_ProviderNegativeLossSkipsOnlyThatVehicle(t *testing.T) {
	p := uniformProvider(func(v *insertion.VehicleEntry, ins []insertion.Insertion) []insertion.DetourData {
		out := make([]insertion.DetourData, len(ins))
		for i := range out {
			out[i] = loss(2, 2)
		}
		if v.ID == "bus-1" {
			out[0] = loss(-0.001, 1)
		}
		return out
	})
	svc := NewService(New(nil, atZero), testFleet(), nil, p)

	dec, err := svc.Dispatch(context.Background(), "t1", model.DispatchRequest{})
	require.NoError(t, err)
	assert.Equal(t, "bus-2", dec.VehicleID)

	_, err = svc.Evaluate(context.Background(), "t1", model.EvaluateRequest{Candidates: []model.CandidateIn{
		{VehicleID: "bus-1", PickupIndex: 0, DropoffIndex: 0},
	}})
	assert.ErrorIs(t, err, detour.ErrUnavailable)
	assert.NotErrorIs(t, err, ErrInvalidCandidate)
}

func TestService_ProviderShortAnswer(t *testing.T) {
	p := uniformProvider(func(_ *insertion.VehicleEntry, ins []insertion.Insertion) []insertion.DetourData {
		return make([]insertion.DetourData, len(ins)-1)
	})
	svc := NewService(New(nil, atZero), testFleet(), nil, p)

	_, err := svc.Dispatch(context.Background(), "t1", model.DispatchRequest{})
	assert.ErrorIs(t, err, detour.ErrUnavailable)

	_, err = svc.Evaluate(context.Background(), "t1", model.EvaluateRequest{Candidates: []model.CandidateIn{
		{VehicleID: "bus-1", PickupIndex: 0, DropoffIndex: 0},
		{VehicleID: "bus-1", PickupIndex: 0, DropoffIndex: 1},
	}})
	assert.ErrorIs(t, err, detour.ErrUnavailable)
}

func TestService_ProviderPlainErrorIsUnavailable(t *testing.T) {
	p := detour.ProviderFunc(func(context.Context, insertion.Request, *insertion.VehicleEntry, []insertion.Insertion) ([]insertion.DetourData, error) {
		return nil, errors.New("connection reset")
	})
	svc := NewService(New(nil, atZero), testFleet(), nil, p)
	_, err := svc.Dispatch(context.Background(), "t1", model.DispatchRequest{})
	assert.ErrorIs(t, err, detour.ErrUnavailable)
	assert.ErrorContains(t, err, "connection reset")
}
