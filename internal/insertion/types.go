// Package insertion decides whether a new pickup/dropoff pair can be placed into a
// vehicle's stop timeline and what that placement costs.
//
// Everything here is a pure function over immutable snapshots. Callers may evaluate
// candidates from any number of goroutines without synchronisation.
package insertion

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrInvalidInsertion = errors.New("invalid insertion")
	ErrNegativeTimeLoss = errors.New("negative time loss")
)

// StopKind tells whether a scheduled stop picks up or drops off its rider.
type StopKind string

const (
	StopPickup  StopKind = "pickup"
	StopDropoff StopKind = "dropoff"
)

// Stop is one already-scheduled event on a vehicle's route. Times are seconds on the
// dispatcher clock.
type Stop struct {
	RequestID           string
	Kind                StopKind
	BeginTime           float64
	EndTime             float64
	LatestArrivalTime   float64
	LatestDepartureTime float64
}

// StayTask is the idle task that trails the last real stop of a schedule.
type StayTask struct {
	BeginTime float64
	EndTime   float64
}

// VehicleEntry is a read-only snapshot of one vehicle taken before a dispatch cycle.
type VehicleEntry struct {
	ID             string
	Stops          []Stop
	ServiceEndTime float64
	LastTask       StayTask
}

// Insertion places the new pickup before Stops[PickupIndex] and the new dropoff before
// Stops[DropoffIndex]. An index equal to len(Stops) appends to the end.
type Insertion struct {
	PickupIndex  int
	DropoffIndex int
}

// Validate reports whether the insertion respects 0 <= pickup <= dropoff <= stopCount.
func (ins Insertion) Validate(stopCount int) error {
	if ins.PickupIndex < 0 || ins.PickupIndex > ins.DropoffIndex || ins.DropoffIndex > stopCount {
		return fmt.Errorf("%w: pickup=%d dropoff=%d stops=%d", ErrInvalidInsertion, ins.PickupIndex, ins.DropoffIndex, stopCount)
	}
	return nil
}

// DetourData is the timing delta an external detour service computed for one insertion.
type DetourData struct {
	// expected departure time of the new request
	DepartureTime float64
	// expected arrival time of the new request
	ArrivalTime float64
	// delay of every stop between the new pickup and the new dropoff
	PickupTimeLoss float64
	// additional delay of every stop after the new dropoff
	DropoffTimeLoss float64
	// set upstream when the detour is geometrically impossible
	Infeasible bool
}

// Validate rejects negative time losses.
func (d DetourData) Validate() error {
	if d.PickupTimeLoss < 0 || d.DropoffTimeLoss < 0 {
		return fmt.Errorf("%w: pickup=%g dropoff=%g", ErrNegativeTimeLoss, d.PickupTimeLoss, d.DropoffTimeLoss)
	}
	return nil
}

// DetourTimeInfo is the timing breakdown of a feasible insertion.
type DetourTimeInfo struct {
	DepartureTime   float64
	ArrivalTime     float64
	PickupTimeLoss  float64
	DropoffTimeLoss float64
}

// TotalTimeLoss is the delay of every stop after the dropoff, i.e. how much longer the
// vehicle operates if the insertion is applied.
func (i DetourTimeInfo) TotalTimeLoss() float64 {
	return i.PickupTimeLoss + i.DropoffTimeLoss
}

// Request describes the new ride request being placed.
type Request struct {
	ID                string
	SubmissionTime    float64
	EarliestStartTime float64
	LatestStartTime   float64
	LatestArrivalTime float64
}

// CostResult is either a finite cost or Infeasible. The zero value is Infeasible.
type CostResult struct {
	cost     float64
	feasible bool
}

// Feasible wraps a finite cost. Non-finite costs collapse to Infeasible.
func Feasible(cost float64) CostResult {
	if math.IsInf(cost, 0) || math.IsNaN(cost) {
		return CostResult{}
	}
	return CostResult{cost: cost, feasible: true}
}

// Infeasible is the result for a candidate that must never be selected.
func Infeasible() CostResult { return CostResult{} }

func (r CostResult) IsFeasible() bool { return r.feasible }

// Cost returns the finite cost and true, or 0 and false for Infeasible.
func (r CostResult) Cost() (float64, bool) { return r.cost, r.feasible }

// Value returns the cost, or +Inf for Infeasible.
func (r CostResult) Value() float64 {
	if !r.feasible {
		return math.Inf(1)
	}
	return r.cost
}

// Less orders results for min-selection: any feasible result beats Infeasible.
func (r CostResult) Less(other CostResult) bool {
	switch {
	case !r.feasible:
		return false
	case !other.feasible:
		return true
	default:
		return r.cost < other.cost
	}
}

func (r CostResult) String() string {
	if !r.feasible {
		return "infeasible"
	}
	return fmt.Sprintf("%g", r.cost)
}
