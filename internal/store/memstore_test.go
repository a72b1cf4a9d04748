package store

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestMemStore_CreateAndGetFlow(t *testing.T) {
	t.Parallel()
	s := NewMemStore(10, 10)
	ctx := context.Background()

	flow := &Flow{ID: "f1", Host: "example.com", Type: "https", Timestamp: time.Now()}
	if err := s.CreateFlow(ctx, flow); err != nil {
		t.Fatalf("CreateFlow failed: %v", err)
	}

	got, err := s.GetFlow(ctx, "f1")
	if err != nil {
		t.Fatalf("GetFlow failed: %v", err)
	}
	if got.Host != "example.com" {
		t.Errorf("Host = %q, want %q", got.Host, "example.com")
	}

	if _, err := s.GetFlow(ctx, "missing"); err == nil {
		t.Error("expected error for unknown flow ID")
	}
}

func TestMemStore_CreateFlow_RejectsDuplicateID(t *testing.T) {
	t.Parallel()
	s := NewMemStore(10, 10)
	ctx := context.Background()
	flow := &Flow{ID: "dup", Timestamp: time.Now()}

	if err := s.CreateFlow(ctx, flow); err != nil {
		t.Fatalf("first CreateFlow failed: %v", err)
	}
	if err := s.CreateFlow(ctx, flow); err == nil {
		t.Error("expected error creating a flow with a duplicate ID")
	}
}

func TestMemStore_CreateFlow_RequiresID(t *testing.T) {
	t.Parallel()
	s := NewMemStore(10, 10)
	if err := s.CreateFlow(context.Background(), &Flow{}); err == nil {
		t.Error("expected error for empty flow ID")
	}
}

func TestMemStore_ListFlows_OrderedOldestFirst(t *testing.T) {
	t.Parallel()
	s := NewMemStore(10, 10)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := s.CreateFlow(ctx, &Flow{ID: id, Timestamp: time.Now()}); err != nil {
			t.Fatalf("CreateFlow(%s) failed: %v", id, err)
		}
	}

	flows, err := s.ListFlows(ctx)
	if err != nil {
		t.Fatalf("ListFlows failed: %v", err)
	}
	if len(flows) != 3 {
		t.Fatalf("ListFlows returned %d flows, want 3", len(flows))
	}
	want := []string{"a", "b", "c"}
	for i, f := range flows {
		if f.ID != want[i] {
			t.Errorf("flows[%d].ID = %q, want %q", i, f.ID, want[i])
		}
	}
}

func TestMemStore_EvictsOldestFlowOverCapacity(t *testing.T) {
	t.Parallel()
	s := NewMemStore(2, 10)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := s.CreateFlow(ctx, &Flow{ID: id, Timestamp: time.Now()}); err != nil {
			t.Fatalf("CreateFlow(%s) failed: %v", id, err)
		}
	}

	flows, err := s.ListFlows(ctx)
	if err != nil {
		t.Fatalf("ListFlows failed: %v", err)
	}
	if len(flows) != 2 {
		t.Fatalf("ListFlows returned %d flows, want 2 (bounded by maxFlows)", len(flows))
	}
	if _, err := s.GetFlow(ctx, "a"); err == nil {
		t.Error("oldest flow should have been evicted")
	}
}

func TestMemStore_UpdateFlow(t *testing.T) {
	t.Parallel()
	s := NewMemStore(10, 10)
	ctx := context.Background()
	flow := &Flow{ID: "f1", Timestamp: time.Now()}
	if err := s.CreateFlow(ctx, flow); err != nil {
		t.Fatalf("CreateFlow failed: %v", err)
	}

	updated := &Flow{ID: "f1", Timestamp: flow.Timestamp, Response: &ResponseInfo{StatusCode: 200}}
	if err := s.UpdateFlow(ctx, updated); err != nil {
		t.Fatalf("UpdateFlow failed: %v", err)
	}

	got, _ := s.GetFlow(ctx, "f1")
	if got.Response == nil || got.Response.StatusCode != 200 {
		t.Error("UpdateFlow did not persist the new response")
	}

	if err := s.UpdateFlow(ctx, &Flow{ID: "missing"}); err == nil {
		t.Error("expected error updating an unknown flow")
	}
}

func TestMemStore_AppendAndGetEvents(t *testing.T) {
	t.Parallel()
	s := NewMemStore(10, 10)
	ctx := context.Background()
	if err := s.CreateFlow(ctx, &Flow{ID: "f1", Timestamp: time.Now()}); err != nil {
		t.Fatalf("CreateFlow failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		ev := &Event{FlowID: "f1", Data: "chunk", Timestamp: time.Now()}
		if err := s.AppendEvent(ctx, "f1", ev); err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
	}

	events, err := s.GetEvents(ctx, "f1")
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("GetEvents returned %d events, want 3", len(events))
	}

	if err := s.AppendEvent(ctx, "missing", &Event{}); err == nil {
		t.Error("expected error appending an event to an unknown flow")
	}
}

func TestMemStore_AppendEvent_DropsUnderBackpressure(t *testing.T) {
	t.Parallel()
	s := NewMemStore(10, 1) // only one event retained per flow
	ctx := context.Background()
	if err := s.CreateFlow(ctx, &Flow{ID: "f1", Timestamp: time.Now()}); err != nil {
		t.Fatalf("CreateFlow failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		_ = s.AppendEvent(ctx, "f1", &Event{FlowID: "f1", Data: "d", Timestamp: time.Now()})
	}

	stats := s.Stats()
	if stats.DroppedEvents == 0 {
		t.Error("expected some events to be dropped once the per-flow cap was exceeded")
	}
}

func TestMemStore_RawRequestResponse(t *testing.T) {
	t.Parallel()
	s := NewMemStore(10, 10)
	ctx := context.Background()
	if err := s.CreateFlow(ctx, &Flow{ID: "f1", Timestamp: time.Now()}); err != nil {
		t.Fatalf("CreateFlow failed: %v", err)
	}

	if err := s.SetRawRequest(ctx, "f1", []byte("GET / HTTP/1.1")); err != nil {
		t.Fatalf("SetRawRequest failed: %v", err)
	}
	if err := s.SetRawResponse(ctx, "f1", []byte("HTTP/1.1 200 OK")); err != nil {
		t.Fatalf("SetRawResponse failed: %v", err)
	}

	raw, err := s.GetRaw(ctx, "f1")
	if err != nil {
		t.Fatalf("GetRaw failed: %v", err)
	}
	if string(raw.Request) != "GET / HTTP/1.1" || string(raw.Response) != "HTTP/1.1 200 OK" {
		t.Errorf("unexpected raw data: %+v", raw)
	}

	if err := s.DropRaw(ctx, "f1"); err != nil {
		t.Fatalf("DropRaw failed: %v", err)
	}
	if _, err := s.GetRaw(ctx, "f1"); err == nil {
		t.Error("expected error fetching raw data after DropRaw")
	}

	if err := s.SetRawRequest(ctx, "missing", nil); err == nil {
		t.Error("expected error setting raw request on an unknown flow")
	}
}

func TestMemStore_Snapshot(t *testing.T) {
	t.Parallel()
	s := NewMemStore(10, 10)
	ctx := context.Background()
	if err := s.CreateFlow(ctx, &Flow{ID: "f1", Timestamp: time.Now()}); err != nil {
		t.Fatalf("CreateFlow failed: %v", err)
	}
	if err := s.AppendEvent(ctx, "f1", &Event{FlowID: "f1", Data: "x", Timestamp: time.Now()}); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	snap, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if len(snap.Flows) != 1 {
		t.Fatalf("Snapshot has %d flows, want 1", len(snap.Flows))
	}
	if len(snap.Events["f1"]) != 1 {
		t.Fatalf("Snapshot has %d events for f1, want 1", len(snap.Events["f1"]))
	}
}

func TestMemStore_SubscribeReceivesChanges(t *testing.T) {
	t.Parallel()
	s := NewMemStore(10, 10)
	ctx := context.Background()
	sub := s.Subscribe()
	defer s.Unsubscribe(sub)

	if err := s.CreateFlow(ctx, &Flow{ID: "f1", Timestamp: time.Now()}); err != nil {
		t.Fatalf("CreateFlow failed: %v", err)
	}

	select {
	case change := <-sub.Changes():
		if change.Kind != ChangeFlowCreated || change.Flow.ID != "f1" {
			t.Errorf("unexpected change: %+v", change)
		}
	case <-time.After(time.Second):
		t.Fatal("did not receive flow_created change")
	}
}

func TestMemStore_UnsubscribeClosesSubscriber(t *testing.T) {
	t.Parallel()
	s := NewMemStore(10, 10)
	sub := s.Subscribe()
	s.Unsubscribe(sub)

	select {
	case <-sub.Closed():
	default:
		t.Error("Closed() channel should be closed after Unsubscribe")
	}
}

func TestMemStore_BroadcastDisconnectsSlowSubscriber(t *testing.T) {
	t.Parallel()
	s := NewMemStore(10, 10)
	ctx := context.Background()
	sub := s.Subscribe()

	// Fill the subscriber's buffer without draining it, then force one more
	// broadcast; the producer should disconnect it rather than block.
	for i := 0; i < subscriberBuffer+5; i++ {
		id := fmt.Sprintf("flow-%d", i)
		if err := s.CreateFlow(ctx, &Flow{ID: id, Timestamp: time.Now()}); err != nil {
			t.Fatalf("CreateFlow failed: %v", err)
		}
	}

	select {
	case <-sub.Closed():
	case <-time.After(time.Second):
		t.Error("expected a slow subscriber to be disconnected once its buffer overflowed")
	}
}

func TestMemStore_Clear(t *testing.T) {
	t.Parallel()
	s := NewMemStore(10, 10)
	ctx := context.Background()
	if err := s.CreateFlow(ctx, &Flow{ID: "f1", Timestamp: time.Now()}); err != nil {
		t.Fatalf("CreateFlow failed: %v", err)
	}
	if err := s.AppendEvent(ctx, "f1", &Event{FlowID: "f1", Data: "x", Timestamp: time.Now()}); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	flows, _ := s.ListFlows(ctx)
	if len(flows) != 0 {
		t.Errorf("ListFlows after Clear returned %d flows, want 0", len(flows))
	}
	if _, err := s.GetFlow(ctx, "f1"); err == nil {
		t.Error("flow should be gone after Clear")
	}
}

func TestMemStore_Stats(t *testing.T) {
	t.Parallel()
	s := NewMemStore(10, 10)
	ctx := context.Background()
	if err := s.CreateFlow(ctx, &Flow{ID: "f1", Timestamp: time.Now()}); err != nil {
		t.Fatalf("CreateFlow failed: %v", err)
	}
	if err := s.AppendEvent(ctx, "f1", &Event{FlowID: "f1", Data: "x", Timestamp: time.Now()}); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}
	sub := s.Subscribe()
	defer s.Unsubscribe(sub)

	stats := s.Stats()
	if stats.FlowCount != 1 {
		t.Errorf("FlowCount = %d, want 1", stats.FlowCount)
	}
	if stats.EventCount != 1 {
		t.Errorf("EventCount = %d, want 1", stats.EventCount)
	}
	if stats.ConnectedClients != 1 {
		t.Errorf("ConnectedClients = %d, want 1", stats.ConnectedClients)
	}
}

func TestMemStore_EventPriorityClassification(t *testing.T) {
	t.Parallel()
	retry := 3000

	tests := []struct {
		name string
		ev   *Event
		want string
	}{
		{"id set", &Event{ID: "42"}, "high"},
		{"retry set", &Event{Retry: &retry}, "high"},
		{"named event", &Event{Event: "message_delta"}, "medium"},
		{"bare data", &Event{Data: "hello"}, "low"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := eventPriority(tc.ev); got != tc.want {
				t.Errorf("eventPriority(%+v) = %q, want %q", tc.ev, got, tc.want)
			}
		})
	}
}
