package model

import (
	"time"

	"drtdispatch/internal/insertion"
)

// Wire and persisted types. Times ending in "Time" are seconds on the dispatcher clock.

type Stop struct {
	RequestID           string  `json:"requestId,omitempty"`
	Kind                string  `json:"kind,omitempty"`
	BeginTime           float64 `json:"beginTime"`
	EndTime             float64 `json:"endTime"`
	LatestArrivalTime   float64 `json:"latestArrivalTime"`
	LatestDepartureTime float64 `json:"latestDepartureTime"`
}

type StayTask struct {
	BeginTime float64 `json:"beginTime"`
	EndTime   float64 `json:"endTime"`
}

// Vehicle is the fleet-state snapshot of one vehicle as ingested from the scheduler.
type Vehicle struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenantId,omitempty"`
	Stops          []Stop    `json:"stops"`
	ServiceEndTime float64   `json:"serviceEndTime"`
	LastTask       StayTask  `json:"lastTask"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Entry converts the snapshot into the evaluator's read-only view.
func (v Vehicle) Entry() *insertion.VehicleEntry {
	stops := make([]insertion.Stop, len(v.Stops))
	for i, s := range v.Stops {
		stops[i] = insertion.Stop{
			RequestID:           s.RequestID,
			Kind:                insertion.StopKind(s.Kind),
			BeginTime:           s.BeginTime,
			EndTime:             s.EndTime,
			LatestArrivalTime:   s.LatestArrivalTime,
			LatestDepartureTime: s.LatestDepartureTime,
		}
	}
	return &insertion.VehicleEntry{
		ID:             v.ID,
		Stops:          stops,
		ServiceEndTime: v.ServiceEndTime,
		LastTask:       insertion.StayTask{BeginTime: v.LastTask.BeginTime, EndTime: v.LastTask.EndTime},
	}
}

type RideRequest struct {
	ID                string  `json:"id"`
	SubmissionTime    float64 `json:"submissionTime,omitempty"`
	EarliestStartTime float64 `json:"earliestStartTime"`
	LatestStartTime   float64 `json:"latestStartTime"`
	LatestArrivalTime float64 `json:"latestArrivalTime"`
}

func (r RideRequest) Request() insertion.Request {
	return insertion.Request{
		ID:                r.ID,
		SubmissionTime:    r.SubmissionTime,
		EarliestStartTime: r.EarliestStartTime,
		LatestStartTime:   r.LatestStartTime,
		LatestArrivalTime: r.LatestArrivalTime,
	}
}

type Detour struct {
	DepartureTime   float64 `json:"departureTime"`
	ArrivalTime     float64 `json:"arrivalTime"`
	PickupTimeLoss  float64 `json:"pickupTimeLoss"`
	DropoffTimeLoss float64 `json:"dropoffTimeLoss"`
	Infeasible      bool    `json:"infeasible,omitempty"`
}

func (d Detour) Data() insertion.DetourData {
	return insertion.DetourData{
		DepartureTime:   d.DepartureTime,
		ArrivalTime:     d.ArrivalTime,
		PickupTimeLoss:  d.PickupTimeLoss,
		DropoffTimeLoss: d.DropoffTimeLoss,
		Infeasible:      d.Infeasible,
	}
}

func DetourFromData(d insertion.DetourData) Detour {
	return Detour{
		DepartureTime:   d.DepartureTime,
		ArrivalTime:     d.ArrivalTime,
		PickupTimeLoss:  d.PickupTimeLoss,
		DropoffTimeLoss: d.DropoffTimeLoss,
		Infeasible:      d.Infeasible,
	}
}

// CandidateIn names one insertion to consider. A nil Detour is filled in by the detour provider.
type CandidateIn struct {
	VehicleID    string  `json:"vehicleId"`
	PickupIndex  int     `json:"pickupIndex"`
	DropoffIndex int     `json:"dropoffIndex"`
	Detour       *Detour `json:"detour,omitempty"`
}

type EvaluateRequest struct {
	Request    RideRequest   `json:"request"`
	Now        *float64      `json:"now,omitempty"`
	Candidates []CandidateIn `json:"candidates"`
}

type TimeInfo struct {
	DepartureTime   float64 `json:"departureTime"`
	ArrivalTime     float64 `json:"arrivalTime"`
	PickupTimeLoss  float64 `json:"pickupTimeLoss"`
	DropoffTimeLoss float64 `json:"dropoffTimeLoss"`
	TotalTimeLoss   float64 `json:"totalTimeLoss"`
}

func TimeInfoFrom(i insertion.DetourTimeInfo) TimeInfo {
	return TimeInfo{
		DepartureTime:   i.DepartureTime,
		ArrivalTime:     i.ArrivalTime,
		PickupTimeLoss:  i.PickupTimeLoss,
		DropoffTimeLoss: i.DropoffTimeLoss,
		TotalTimeLoss:   i.TotalTimeLoss(),
	}
}

// CandidateResult is one line of an evaluation report. Cost is absent when infeasible.
type CandidateResult struct {
	VehicleID      string    `json:"vehicleId"`
	PickupIndex    int       `json:"pickupIndex"`
	DropoffIndex   int       `json:"dropoffIndex"`
	Verdict        string    `json:"verdict"`
	Cost           *float64  `json:"cost,omitempty"`
	Slack          float64   `json:"slack"`
	DetourTimeInfo *TimeInfo `json:"detourTimeInfo,omitempty"`
}

type EvaluateResponse struct {
	RequestID string            `json:"requestId"`
	Now       float64           `json:"now"`
	Results   []CandidateResult `json:"results"`
}

// DispatchRequest asks for the best insertion of Request. Without Candidates every
// insertion position of the listed vehicles (or the whole fleet) is considered.
type DispatchRequest struct {
	Request    RideRequest   `json:"request"`
	Now        *float64      `json:"now,omitempty"`
	VehicleIDs []string      `json:"vehicleIds,omitempty"`
	Candidates []CandidateIn `json:"candidates,omitempty"`
}

// Decision is the audit record of a dispatch cycle that found a feasible insertion.
type Decision struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenantId"`
	RequestID    string    `json:"requestId"`
	VehicleID    string    `json:"vehicleId"`
	PickupIndex  int       `json:"pickupIndex"`
	DropoffIndex int       `json:"dropoffIndex"`
	Cost         float64   `json:"cost"`
	TimeInfo     TimeInfo  `json:"detourTimeInfo"`
	Slack        float64   `json:"slack"`
	Evaluated    int       `json:"evaluated"`
	Feasible     int       `json:"feasible"`
	Strategy     string    `json:"strategy,omitempty"`
	DecidedAt    time.Time `json:"decidedAt"`
}

type SlackOut struct {
	VehicleID string  `json:"vehicleId"`
	Now       float64 `json:"now"`
	Slack     float64 `json:"slack"`
}
