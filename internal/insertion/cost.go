package insertion

import (
	"fmt"
	"math"
	"strings"
)

// CostStrategy maps the timing outcome of a feasible insertion to a scalar cost. Returning
// a non-finite value rejects the insertion.
type CostStrategy interface {
	Cost(req Request, departureTime, arrivalTime, pickupTimeLoss, dropoffTimeLoss float64) float64
}

// CostFunc adapts a plain function to CostStrategy.
type CostFunc func(req Request, departureTime, arrivalTime, pickupTimeLoss, dropoffTimeLoss float64) float64

func (f CostFunc) Cost(req Request, departureTime, arrivalTime, pickupTimeLoss, dropoffTimeLoss float64) float64 {
	return f(req, departureTime, arrivalTime, pickupTimeLoss, dropoffTimeLoss)
}

// DefaultCostStrategy minimises the extra time the vehicle will operate. Absolute departure
// and arrival times are ignored.
type DefaultCostStrategy struct{}

func (DefaultCostStrategy) Cost(_ Request, _, _, pickupTimeLoss, dropoffTimeLoss float64) float64 {
	return pickupTimeLoss + dropoffTimeLoss
}

// RejectSoftConstraintViolations treats the request's own max-wait and max-ride limits as
// hard: a late departure or late arrival makes the insertion infeasible.
type RejectSoftConstraintViolations struct{}

func (RejectSoftConstraintViolations) Cost(req Request, departureTime, arrivalTime, pickupTimeLoss, dropoffTimeLoss float64) float64 {
	if departureTime > req.LatestStartTime || arrivalTime > req.LatestArrivalTime {
		return math.Inf(1)
	}
	return pickupTimeLoss + dropoffTimeLoss
}

const (
	// seconds of penalty per second of late departure
	MaxWaitTimeViolationPenalty = 1
	// seconds of penalty per second of late arrival
	MaxTravelTimeViolationPenalty = 10
)

// DiscourageSoftConstraintViolations accepts late departures and arrivals of the new
// request but penalises every second of violation.
type DiscourageSoftConstraintViolations struct{}

func (DiscourageSoftConstraintViolations) Cost(req Request, departureTime, arrivalTime, pickupTimeLoss, dropoffTimeLoss float64) float64 {
	waitViolation := max(0, departureTime-req.LatestStartTime)
	travelViolation := max(0, arrivalTime-req.LatestArrivalTime)
	return MaxWaitTimeViolationPenalty*waitViolation +
		MaxTravelTimeViolationPenalty*travelViolation +
		pickupTimeLoss + dropoffTimeLoss
}

// Strategy names accepted by StrategyByName.
const (
	StrategyDefault        = "default"
	StrategyRejectSoft     = "reject_soft"
	StrategyDiscourageSoft = "discourage_soft"
)

// StrategyByName resolves a configured strategy name. The empty name is the default.
func StrategyByName(name string) (CostStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", StrategyDefault:
		return DefaultCostStrategy{}, nil
	case StrategyRejectSoft:
		return RejectSoftConstraintViolations{}, nil
	case StrategyDiscourageSoft:
		return DiscourageSoftConstraintViolations{}, nil
	default:
		return nil, fmt.Errorf("unknown cost strategy %q", name)
	}
}
