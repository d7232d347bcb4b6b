// Package detour supplies the timing data of candidate insertions. The detour service that
// routes vehicles owns the geometry; this package only transports its answers.
package detour

import (
	"context"
	"errors"
	"fmt"

	"drtdispatch/internal/insertion"
)

// ErrUnavailable means no detour data could be obtained for a candidate.
var ErrUnavailable = errors.New("detour data unavailable")

// Provider computes detour data for several insertions of one vehicle. The result has one
// entry per insertion, in order.
type Provider interface {
	Detours(ctx context.Context, req insertion.Request, vehicle *insertion.VehicleEntry, ins []insertion.Insertion) ([]insertion.DetourData, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, req insertion.Request, vehicle *insertion.VehicleEntry, ins []insertion.Insertion) ([]insertion.DetourData, error)

func (f ProviderFunc) Detours(ctx context.Context, req insertion.Request, vehicle *insertion.VehicleEntry, ins []insertion.Insertion) ([]insertion.DetourData, error) {
	return f(ctx, req, vehicle, ins)
}

// None is used when no detour service is configured. Callers must send detour data inline.
type None struct{}

func (None) Detours(_ context.Context, _ insertion.Request, vehicle *insertion.VehicleEntry, ins []insertion.Insertion) ([]insertion.DetourData, error) {
	if len(ins) == 0 {
		return nil, nil
	}
	return nil, fmt.Errorf("vehicle %s: %w: no detour service configured", vehicle.ID, ErrUnavailable)
}

// Static answers from a fixed table keyed by vehicle and insertion. Unknown keys are
// reported as infeasible detours.
type Static struct {
	table map[staticKey]insertion.DetourData
}

type staticKey struct {
	vehicleID string
	ins       insertion.Insertion
}

func NewStatic() *Static {
	return &Static{table: map[staticKey]insertion.DetourData{}}
}

// Set registers the answer for one insertion. Not safe to call concurrently with Detours.
func (s *Static) Set(vehicleID string, ins insertion.Insertion, d insertion.DetourData) *Static {
	s.table[staticKey{vehicleID, ins}] = d
	return s
}

func (s *Static) Detours(ctx context.Context, _ insertion.Request, vehicle *insertion.VehicleEntry, ins []insertion.Insertion) ([]insertion.DetourData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]insertion.DetourData, len(ins))
	for i, in := range ins {
		d, ok := s.table[staticKey{vehicle.ID, in}]
		if !ok {
			d = insertion.DetourData{Infeasible: true}
		}
		out[i] = d
	}
	return out, nil
}
