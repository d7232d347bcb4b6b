package insertion

// Evaluator combines the time-constraint check with a cost strategy. It holds no mutable
// state and is safe for concurrent use.
type Evaluator struct {
	strategy CostStrategy
}

// NewEvaluator returns an Evaluator using strategy, or DefaultCostStrategy when nil.
func NewEvaluator(strategy CostStrategy) *Evaluator {
	if strategy == nil {
		strategy = DefaultCostStrategy{}
	}
	return &Evaluator{strategy: strategy}
}

func (e *Evaluator) Strategy() CostStrategy { return e.strategy }

// Evaluate returns the cost of applying ins to vehicle, or Infeasible when the detour was
// rejected upstream, delays a scheduled stop past one of its deadlines, or the strategy
// refuses it.
func (e *Evaluator) Evaluate(req Request, vehicle *VehicleEntry, ins Insertion, detour DetourData) CostResult {
	if !e.feasible(vehicle, ins, detour) {
		return Infeasible()
	}
	return Feasible(e.strategy.Cost(req, detour.DepartureTime, detour.ArrivalTime, detour.PickupTimeLoss, detour.DropoffTimeLoss))
}

// DetourTimeInfo returns the timing breakdown of ins behind the same feasibility gate as
// Evaluate. The strategy is not consulted.
func (e *Evaluator) DetourTimeInfo(_ Request, vehicle *VehicleEntry, ins Insertion, detour DetourData) (DetourTimeInfo, bool) {
	if !e.feasible(vehicle, ins, detour) {
		return DetourTimeInfo{}, false
	}
	return DetourTimeInfo{
		DepartureTime:   detour.DepartureTime,
		ArrivalTime:     detour.ArrivalTime,
		PickupTimeLoss:  detour.PickupTimeLoss,
		DropoffTimeLoss: detour.DropoffTimeLoss,
	}, true
}

func (e *Evaluator) feasible(vehicle *VehicleEntry, ins Insertion, detour DetourData) bool {
	if detour.Infeasible {
		return false
	}
	totalTimeLoss := detour.PickupTimeLoss + detour.DropoffTimeLoss
	return CheckTimeConstraints(vehicle.Stops, ins.PickupIndex, ins.DropoffIndex, detour.PickupTimeLoss, totalTimeLoss)
}
