package api

import (
	"fmt"
	"math"

	"drtdispatch/internal/insertion"
	"drtdispatch/internal/model"
)

const maxCandidates = 10000

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

func validateRideRequest(r *model.RideRequest) error {
	if r.ID == "" {
		return fmt.Errorf("request.id is required")
	}
	for name, v := range map[string]float64{
		"submissionTime":    r.SubmissionTime,
		"earliestStartTime": r.EarliestStartTime,
		"latestStartTime":   r.LatestStartTime,
		"latestArrivalTime": r.LatestArrivalTime,
	} {
		if !finite(v) {
			return fmt.Errorf("request.%s must be finite", name)
		}
	}
	if r.LatestStartTime < r.EarliestStartTime {
		return fmt.Errorf("request.latestStartTime must be >= earliestStartTime")
	}
	if r.LatestArrivalTime < r.LatestStartTime {
		return fmt.Errorf("request.latestArrivalTime must be >= latestStartTime")
	}
	return nil
}

func validateCandidates(cs []model.CandidateIn) error {
	if len(cs) > maxCandidates {
		return fmt.Errorf("at most %d candidates per request", maxCandidates)
	}
	for i, c := range cs {
		if c.VehicleID == "" {
			return fmt.Errorf("candidates[%d].vehicleId is required", i)
		}
		if c.PickupIndex < 0 || c.DropoffIndex < c.PickupIndex {
			return fmt.Errorf("candidates[%d]: need 0 <= pickupIndex <= dropoffIndex", i)
		}
		if d := c.Detour; d != nil {
			if d.PickupTimeLoss < 0 || d.DropoffTimeLoss < 0 {
				return fmt.Errorf("candidates[%d].detour: time losses must be >= 0", i)
			}
		}
	}
	return nil
}

func validateNow(now *float64) error {
	if now != nil && !finite(*now) {
		return fmt.Errorf("now must be finite")
	}
	return nil
}

func validateEvaluateRequest(req *model.EvaluateRequest) error {
	if err := validateRideRequest(&req.Request); err != nil {
		return err
	}
	if err := validateNow(req.Now); err != nil {
		return err
	}
	if len(req.Candidates) == 0 {
		return fmt.Errorf("candidates must not be empty")
	}
	return validateCandidates(req.Candidates)
}

func validateDispatchRequest(req *model.DispatchRequest) error {
	if err := validateRideRequest(&req.Request); err != nil {
		return err
	}
	if err := validateNow(req.Now); err != nil {
		return err
	}
	if len(req.Candidates) > 0 && len(req.VehicleIDs) > 0 {
		return fmt.Errorf("vehicleIds and candidates are mutually exclusive")
	}
	return validateCandidates(req.Candidates)
}

func validateVehicles(vs []model.Vehicle) error {
	if len(vs) == 0 {
		return fmt.Errorf("vehicles must not be empty")
	}
	seen := map[string]struct{}{}
	for i, v := range vs {
		if v.ID == "" {
			return fmt.Errorf("vehicles[%d].id is required", i)
		}
		if _, dup := seen[v.ID]; dup {
			return fmt.Errorf("vehicles[%d]: duplicate id %s", i, v.ID)
		}
		seen[v.ID] = struct{}{}
		if !finite(v.ServiceEndTime) {
			return fmt.Errorf("vehicles[%d].serviceEndTime must be finite", i)
		}
		for j, st := range v.Stops {
			if k := insertion.StopKind(st.Kind); k != "" && k != insertion.StopPickup && k != insertion.StopDropoff {
				return fmt.Errorf("vehicles[%d].stops[%d]: unknown kind %q", i, j, st.Kind)
			}
			if st.EndTime < st.BeginTime {
				return fmt.Errorf("vehicles[%d].stops[%d]: endTime before beginTime", i, j)
			}
		}
	}
	return nil
}
