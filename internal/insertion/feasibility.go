package insertion

// CheckTimeConstraints reports whether delaying the scheduled stops by the detour keeps
// every one of them within its latest arrival and latest departure time.
//
// Stops in [pickupIdx, dropoffIdx) are delayed by pickupTimeLoss, stops from dropoffIdx on
// by totalTimeLoss. Stops before pickupIdx are untouched and never read. The new request's
// own pickup and dropoff are checked by the detour provider, not here.
func CheckTimeConstraints(stops []Stop, pickupIdx, dropoffIdx int, pickupTimeLoss, totalTimeLoss float64) bool {
	for s := pickupIdx; s < dropoffIdx; s++ {
		if violates(&stops[s], pickupTimeLoss) {
			return false
		}
	}
	for s := dropoffIdx; s < len(stops); s++ {
		if violates(&stops[s], totalTimeLoss) {
			return false
		}
	}
	return true
}

func violates(stop *Stop, delay float64) bool {
	return stop.BeginTime+delay > stop.LatestArrivalTime ||
		stop.EndTime+delay > stop.LatestDepartureTime
}

// VehicleSlack is how much total time loss the vehicle can absorb before its trailing stay
// task would start after the vehicle's service end. A result <= 0 leaves no room for any
// delay-inducing insertion. now guards against a planned begin time already in the past.
func VehicleSlack(v *VehicleEntry, now float64) float64 {
	return v.ServiceEndTime - max(v.LastTask.BeginTime, now)
}
