package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/otcmesh/otcmesh/internal/trades"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func TestWantsAllEvents(t *testing.T) {
	client := &Client{sub: Subscription{AllEvents: true}}

	event := &Event{Type: trades.EventCreated, Timestamp: time.Now()}
	if !client.wants(event) {
		t.Error("AllEvents client should receive all events")
	}
}

func TestWantsEventTypeFilter(t *testing.T) {
	client := &Client{sub: Subscription{
		EventTypes: []string{trades.EventCompleted, trades.EventDisputed},
	}}

	if !client.wants(&Event{Type: trades.EventCompleted}) {
		t.Error("Should receive trade.completed events")
	}
	if !client.wants(&Event{Type: trades.EventDisputed}) {
		t.Error("Should receive trade.disputed events")
	}
	if client.wants(&Event{Type: trades.EventCreated}) {
		t.Error("Should NOT receive trade.created events")
	}
}

func TestWantsUserFilter(t *testing.T) {
	client := &Client{sub: Subscription{
		UserIDs: []string{"usr_a"},
	}}

	asBuyer := &Event{
		Type: trades.EventCreated,
		Data: map[string]any{"buyerId": "usr_a", "sellerId": "usr_b"},
	}
	asSeller := &Event{
		Type: trades.EventCreated,
		Data: map[string]any{"buyerId": "usr_c", "sellerId": "usr_a"},
	}
	unrelated := &Event{
		Type: trades.EventCreated,
		Data: map[string]any{"buyerId": "usr_c", "sellerId": "usr_d"},
	}

	if !client.wants(asBuyer) {
		t.Error("Should match on buyerId")
	}
	if !client.wants(asSeller) {
		t.Error("Should match on sellerId")
	}
	if client.wants(unrelated) {
		t.Error("Should NOT match unrelated participants")
	}
}

func TestWantsTradeFilter(t *testing.T) {
	client := &Client{sub: Subscription{
		TradeIDs: []string{"trd_1"},
	}}

	if !client.wants(&Event{Type: trades.EventCompleted, Data: map[string]any{"tradeId": "trd_1"}}) {
		t.Error("Should match on tradeId")
	}
	if client.wants(&Event{Type: trades.EventCompleted, Data: map[string]any{"tradeId": "trd_2"}}) {
		t.Error("Should NOT match other trades")
	}
}

func TestWantsEmptySubscription(t *testing.T) {
	// No filters, not AllEvents: receives nothing until the client
	// sends a subscription.
	client := &Client{sub: Subscription{}}

	if client.wants(&Event{Type: trades.EventCreated}) {
		t.Error("Empty subscription should receive nothing")
	}
}

func TestHubStatsInitial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("Expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHubRegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak 1, got %v", stats["peakClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats["connectedClients"])
	}
	// Peak should still be 1
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("Expected peak still 1, got %v", stats["peakClients"])
	}
}

func TestHubEmitDeliversTradeEvent(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Emit(ctx, trades.EventCompleted, &trades.Trade{
		ID:       "trd_1",
		BuyerID:  "usr_b",
		SellerID: "usr_s",
		Amount:   "2.00000000",
		Status:   trades.StatusCompleted,
	})

	select {
	case msg := <-client.send:
		var event Event
		if err := json.Unmarshal(msg, &event); err != nil {
			t.Fatalf("Failed to parse event: %v", err)
		}
		if event.Type != trades.EventCompleted {
			t.Errorf("Expected trade.completed, got %s", event.Type)
		}
		data := event.Data.(map[string]any)
		if data["tradeId"] != "trd_1" {
			t.Errorf("Expected tradeId trd_1, got %v", data["tradeId"])
		}
	case <-time.After(time.Second):
		t.Error("Timeout waiting for broadcast")
	}
}

func TestHubFilteredBroadcast(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	// Client only wants disputes
	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{EventTypes: []string{trades.EventDisputed}},
	}

	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(&Event{Type: trades.EventCreated, Timestamp: time.Now()})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive trade.created event")
	default:
		// Good - filtered out
	}

	h.Broadcast(&Event{Type: trades.EventDisputed, Timestamp: time.Now()})

	select {
	case msg := <-client.send:
		if len(msg) == 0 {
			t.Error("Expected non-empty message")
		}
	case <-time.After(time.Second):
		t.Error("Client should receive trade.disputed event")
	}
}

func TestHubContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
		// Hub stopped
	case <-time.After(2 * time.Second):
		t.Error("Hub did not stop after context cancellation")
	}
}
