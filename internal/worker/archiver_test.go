package worker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"player-order-service/internal/events"
	"player-order-service/internal/models"
)

type stubOrders struct {
	orders map[string]models.Order
	audits []string
}

func (s *stubOrders) GetOrder(_ context.Context, id string) (models.Order, error) {
	return s.orders[id], nil
}

func (s *stubOrders) AppendAudit(_ context.Context, entityID, event, _ string) error {
	s.audits = append(s.audits, entityID+":"+event)
	return nil
}

func TestProofArchiverBundlesCompletedOrder(t *testing.T) {
	dir := t.TempDir()
	proof := "s3://uploads/scout.png"
	done := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	assignee := "runner-1"
	orders := &stubOrders{orders: map[string]models.Order{
		"order-1": {
			ID:         "order-1",
			Status:     models.OrderCompleted,
			AssigneeID: &assignee,
			Checkpoints: []models.Checkpoint{
				{Name: "scout", Completed: true, CompletedAt: &done, Proof: &proof},
				{Name: "extract", Completed: true, CompletedAt: &done},
			},
		},
	}}

	a := NewProofArchiver(nil, "", orders, NewLocalStore(dir), "orders")
	err := a.HandleEvent(context.Background(), events.Event{
		Type:     events.OrderCompleted,
		EntityID: "order-1",
	})
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "orders", "order-1", "proofs.json"))
	if err != nil {
		t.Fatalf("read bundle: %v", err)
	}
	var bundle proofBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		t.Fatalf("unmarshal bundle: %v", err)
	}
	if bundle.OrderID != "order-1" || len(bundle.Checkpoints) != 2 {
		t.Fatalf("bundle = %+v", bundle)
	}
	if bundle.Checkpoints[0].Proof == nil || *bundle.Checkpoints[0].Proof != proof {
		t.Fatal("proof reference lost in bundle")
	}
	if len(orders.audits) != 1 || orders.audits[0] != "order-1:proofs_archived" {
		t.Fatalf("audits = %v", orders.audits)
	}
}

func TestProofArchiverIgnoresOtherEvents(t *testing.T) {
	orders := &stubOrders{orders: map[string]models.Order{}}
	a := NewProofArchiver(nil, "", orders, NewLocalStore(t.TempDir()), "orders")

	err := a.HandleEvent(context.Background(), events.Event{
		Type:     events.OrderAssigned,
		EntityID: "order-1",
	})
	if err != nil {
		t.Fatalf("HandleEvent: %v", err)
	}
	if len(orders.audits) != 0 {
		t.Fatal("non-terminal events must not archive")
	}
}
