//go:build postgres_integration

package store

import (
	"context"
	"os"
	"testing"

	"drtdispatch/internal/model"
)

func TestPostgresConnectivityAndMigrate(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}
	ctx := context.Background()
	p, err := NewPostgres(dsn)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	defer p.Close()
	if err := p.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if err := p.MigrateDir("../../db/migrations"); err != nil {
		t.Fatalf("MigrateDir: %v", err)
	}
	v := model.Vehicle{ID: "it-bus", ServiceEndTime: 100, Stops: []model.Stop{{BeginTime: 1, EndTime: 2, LatestArrivalTime: 3, LatestDepartureTime: 4}}}
	if _, err := p.PutVehicles(ctx, "t_it", []model.Vehicle{v}); err != nil {
		t.Fatalf("PutVehicles: %v", err)
	}
	got, err := p.GetVehicle(ctx, "t_it", "it-bus")
	if err != nil || len(got.Stops) != 1 {
		t.Fatalf("GetVehicle: %+v %v", got, err)
	}
	if _, _, err := p.ListDecisions(ctx, "t_it", "", "", 1); err != nil {
		t.Fatalf("ListDecisions: %v", err)
	}
	if err := p.DeleteVehicle(ctx, "t_it", "it-bus"); err != nil {
		t.Fatalf("DeleteVehicle: %v", err)
	}
}
