package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"drtdispatch/internal/insertion"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idleVehicle(id string) *insertion.VehicleEntry {
	return &insertion.VehicleEntry{ID: id, ServiceEndTime: 10_000, LastTask: insertion.StayTask{BeginTime: 0, EndTime: 10_000}}
}

func loss(p, d float64) insertion.DetourData {
	return insertion.DetourData{PickupTimeLoss: p, DropoffTimeLoss: d}
}

type countingRecorder struct {
	mu       sync.Mutex
	verdicts map[string]int
	outcomes map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{verdicts: map[string]int{}, outcomes: map[string]int{}}
}

func (r *countingRecorder) ObserveEvaluation(v string) {
	r.mu.Lock()
	r.verdicts[v]++
	r.mu.Unlock()
}

func (r *countingRecorder) ObserveDispatch(o string, _ time.Duration) {
	r.mu.Lock()
	r.outcomes[o]++
	r.mu.Unlock()
}

func TestBest_PicksCheapestFeasible(t *testing.T) {
	a, b := idleVehicle("a"), idleVehicle("b")
	b.Stops = []insertion.Stop{{BeginTime: 100, EndTime: 110, LatestArrivalTime: 105, LatestDepartureTime: 200}}
	rec := newCountingRecorder()
	d := New(nil, WithWorkers(4), WithMetrics(rec))

	dec, err := d.BestAt(context.Background(), insertion.Request{ID: "r1"}, []Candidate{
		{Vehicle: a, Detour: loss(30, 10)},
		{Vehicle: b, Insertion: insertion.Insertion{PickupIndex: 0, DropoffIndex: 0}, Detour: loss(3, 3)},
		{Vehicle: b, Insertion: insertion.Insertion{PickupIndex: 1, DropoffIndex: 1}, Detour: loss(8, 7)},
		{Vehicle: a, Detour: insertion.DetourData{PickupTimeLoss: 1, Infeasible: true}},
	}, 0)
	require.NoError(t, err)

	assert.Equal(t, "b", dec.VehicleID)
	assert.Equal(t, insertion.Insertion{PickupIndex: 1, DropoffIndex: 1}, dec.Insertion)
	assert.Equal(t, 15.0, dec.Cost)
	assert.Equal(t, 15.0, dec.Info.TotalTimeLoss())
	assert.Equal(t, "r1", dec.RequestID)
	assert.Equal(t, 4, dec.Evaluated)
	assert.Equal(t, 2, dec.Feasible)
	assert.NotEmpty(t, dec.ID)

	assert.Equal(t, 2, rec.verdicts[VerdictFeasible])
	assert.Equal(t, 2, rec.verdicts[VerdictInfeasible])
	assert.Equal(t, 1, rec.outcomes["selected"])
}

func TestBest_SlackGateRejectsOverlongDetour(t *testing.T) {
	// slack = 200 - max(150, 160) = 40
	v := &insertion.VehicleEntry{ID: "v", ServiceEndTime: 200, LastTask: insertion.StayTask{BeginTime: 150, EndTime: 200}}
	d := New(nil, WithClock(func() float64 { return 160 }))

	_, err := d.Best(context.Background(), insertion.Request{ID: "e"}, []Candidate{{Vehicle: v, Detour: loss(25, 20)}})
	assert.ErrorIs(t, err, ErrNoFeasibleInsertion)

	dec, err := d.Best(context.Background(), insertion.Request{ID: "e"}, []Candidate{{Vehicle: v, Detour: loss(20, 20)}})
	require.NoError(t, err)
	assert.Equal(t, 40.0, dec.Slack)

	outs, err := d.EvaluateAll(context.Background(), insertion.Request{}, []Candidate{{Vehicle: v, Detour: loss(25, 20)}})
	require.NoError(t, err)
	assert.Equal(t, VerdictNoSlack, outs[0].Verdict)
	assert.False(t, outs[0].Result.IsFeasible())
}

func TestBest_TieBreaks(t *testing.T) {
	flat := insertion.NewEvaluator(insertion.CostFunc(func(insertion.Request, float64, float64, float64, float64) float64 { return 7 }))
	d := New(flat, WithWorkers(3))
	z, y := idleVehicle("z"), idleVehicle("y")
	y.Stops = make([]insertion.Stop, 2)
	for i := range y.Stops {
		y.Stops[i] = insertion.Stop{LatestArrivalTime: 1e9, LatestDepartureTime: 1e9}
	}

	tests := []struct {
		name  string
		cands []Candidate
		want  int
	}{
		{"lower total loss", []Candidate{{Vehicle: z, Detour: loss(5, 5)}, {Vehicle: y, Detour: loss(4, 5)}}, 1},
		{"earlier departure", []Candidate{
			{Vehicle: y, Detour: insertion.DetourData{DepartureTime: 20, PickupTimeLoss: 1}},
			{Vehicle: z, Detour: insertion.DetourData{DepartureTime: 10, PickupTimeLoss: 1}},
		}, 1},
		{"vehicle id", []Candidate{{Vehicle: z, Detour: loss(1, 1)}, {Vehicle: y, Detour: loss(1, 1)}}, 1},
		{"pickup then dropoff index", []Candidate{
			{Vehicle: y, Insertion: insertion.Insertion{PickupIndex: 1, DropoffIndex: 1}, Detour: loss(1, 1)},
			{Vehicle: y, Insertion: insertion.Insertion{PickupIndex: 0, DropoffIndex: 2}, Detour: loss(1, 1)},
			{Vehicle: y, Insertion: insertion.Insertion{PickupIndex: 0, DropoffIndex: 1}, Detour: loss(1, 1)},
		}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec, err := d.BestAt(context.Background(), insertion.Request{}, tt.cands, 0)
			require.NoError(t, err)
			want := tt.cands[tt.want]
			assert.Equal(t, want.Vehicle.ID, dec.VehicleID)
			assert.Equal(t, want.Insertion, dec.Insertion)
			assert.Equal(t, want.Detour.DepartureTime, dec.Info.DepartureTime)
		})
	}
}

func TestBest_DeterministicAcrossWorkerCounts(t *testing.T) {
	var cands []Candidate
	for i := 0; i < 40; i++ {
		v := idleVehicle(fmt.Sprintf("v%02d", i))
		cands = append(cands, Candidate{Vehicle: v, Detour: loss(float64(10+i%5), float64(i%3))})
	}
	first, err := New(nil, WithWorkers(1)).BestAt(context.Background(), insertion.Request{}, cands, 0)
	require.NoError(t, err)
	for _, w := range []int{2, 8, 64} {
		got, err := New(nil, WithWorkers(w)).BestAt(context.Background(), insertion.Request{}, cands, 0)
		require.NoError(t, err)
		assert.Equal(t, first.VehicleID, got.VehicleID, "workers=%d", w)
		assert.Equal(t, first.Cost, got.Cost)
	}
	assert.Equal(t, "v00", first.VehicleID)
}

func TestBest_InvalidCandidate(t *testing.T) {
	d := New(nil)
	v := idleVehicle("v")

	_, err := d.Best(context.Background(), insertion.Request{}, []Candidate{{Vehicle: v, Insertion: insertion.Insertion{PickupIndex: 0, DropoffIndex: 1}}})
	assert.ErrorIs(t, err, ErrInvalidCandidate)
	assert.ErrorIs(t, err, insertion.ErrInvalidInsertion)

	_, err = d.Best(context.Background(), insertion.Request{}, []Candidate{{Vehicle: v, Detour: loss(-1, 0)}})
	assert.ErrorIs(t, err, insertion.ErrNegativeTimeLoss)

	_, err = d.Best(context.Background(), insertion.Request{}, []Candidate{{}})
	assert.ErrorIs(t, err, ErrInvalidCandidate)
}

func TestBest_NoCandidates(t *testing.T) {
	rec := newCountingRecorder()
	_, err := New(nil, WithMetrics(rec)).Best(context.Background(), insertion.Request{ID: "x"}, nil)
	assert.ErrorIs(t, err, ErrNoFeasibleInsertion)
	assert.Equal(t, 1, rec.outcomes["none"])
}

func TestBest_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(nil).Best(ctx, insertion.Request{}, []Candidate{{Vehicle: idleVehicle("v")}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBest_AcceptThresholdStopsEarly(t *testing.T) {
	d := New(nil, WithWorkers(1), WithAcceptThreshold(10))
	cands := []Candidate{
		{Vehicle: idleVehicle("a"), Detour: loss(4, 4)},
		{Vehicle: idleVehicle("b"), Detour: loss(1, 0)},
		{Vehicle: idleVehicle("c"), Detour: loss(0, 0)},
	}
	dec, err := d.BestAt(context.Background(), insertion.Request{}, cands, 0)
	require.NoError(t, err)
	assert.Equal(t, "a", dec.VehicleID)
	assert.Equal(t, 1, dec.Evaluated)

	all, err := d.EvaluateAllAt(context.Background(), insertion.Request{}, cands, 0)
	require.NoError(t, err)
	for i, o := range all {
		assert.Equal(t, i, o.Index)
		assert.Equal(t, VerdictFeasible, o.Verdict)
	}
}

func TestAllInsertions(t *testing.T) {
	assert.Equal(t, []insertion.Insertion{{PickupIndex: 0, DropoffIndex: 0}}, AllInsertions(0))
	got := AllInsertions(2)
	assert.Len(t, got, 6)
	for _, in := range got {
		assert.NoError(t, in.Validate(2))
	}
}
