package health

import (
	"context"
	"testing"
	"time"
)

func TestEmptyRegistryIsHealthy(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatal("empty registry should report healthy")
	}
	if len(statuses) != 0 {
		t.Fatalf("expected no statuses, got %d", len(statuses))
	}
}

func TestOneUnhealthyFailsAggregate(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(context.Context) Status {
		return Status{Name: "database", Healthy: true}
	})
	r.Register("gateway", func(context.Context) Status {
		return Status{Name: "gateway", Healthy: false, Detail: "circuit open"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Error("aggregate should be unhealthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}
	// Registration order is preserved.
	if statuses[0].Name != "database" || statuses[1].Name != "gateway" {
		t.Errorf("statuses out of order: %v", statuses)
	}
	if statuses[1].Detail != "circuit open" {
		t.Errorf("detail = %q", statuses[1].Detail)
	}
}

func TestCheckerGetsDeadline(t *testing.T) {
	r := NewRegistry()
	r.Register("slow", func(ctx context.Context) Status {
		deadline, ok := ctx.Deadline()
		if !ok {
			return Status{Name: "slow", Healthy: false, Detail: "no deadline"}
		}
		if time.Until(deadline) > checkTimeout {
			return Status{Name: "slow", Healthy: false, Detail: "deadline too far out"}
		}
		return Status{Name: "slow", Healthy: true}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Fatalf("checker did not see a bounded deadline: %+v", statuses)
	}
}
