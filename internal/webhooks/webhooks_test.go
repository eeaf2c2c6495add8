package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryStoreCRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sub := &Subscription{
		ID:        "wh_test1",
		UserID:    "usr_a",
		URL:       "https://example.com/hook",
		Secret:    "secret123",
		Events:    []EventType{EventTradeCompleted},
		Active:    true,
		CreatedAt: time.Now(),
	}

	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "wh_test1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.URL != "https://example.com/hook" {
		t.Errorf("Expected URL, got %s", got.URL)
	}

	sub.Active = false
	if err := store.Update(ctx, sub); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, _ = store.Get(ctx, "wh_test1")
	if got.Active {
		t.Error("Expected inactive after update")
	}

	if err := store.Delete(ctx, "wh_test1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "wh_test1"); err == nil {
		t.Error("Expected error after delete")
	}
}

func TestMemoryStoreGetByUser(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Create(ctx, &Subscription{ID: "wh1", UserID: "usr_a", Events: []EventType{EventTradeCreated}})
	store.Create(ctx, &Subscription{ID: "wh2", UserID: "usr_b", Events: []EventType{EventTradeCreated}})
	store.Create(ctx, &Subscription{ID: "wh3", UserID: "usr_a", Events: []EventType{EventTradeCompleted}})

	subs, _ := store.GetByUser(ctx, "usr_a")
	if len(subs) != 2 {
		t.Errorf("Expected 2 subs for usr_a, got %d", len(subs))
	}
}

func TestSign(t *testing.T) {
	payload := []byte(`{"type":"trade.completed","data":{}}`)
	secret := "test_secret_key"

	sig := Sign(payload, secret)

	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	expected := hex.EncodeToString(h.Sum(nil))

	if sig != expected {
		t.Errorf("Signature mismatch: got %s, want %s", sig, expected)
	}
	if Sign(payload, "other_secret") == sig {
		t.Error("Different secrets should produce different signatures")
	}
}

func TestDispatchToUserFiltersCorrectly(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{ID: "wh1", UserID: "usr_a", URL: server.URL, Events: []EventType{EventTradeCompleted}, Active: true})
	store.Create(ctx, &Subscription{ID: "wh2", UserID: "usr_a", URL: server.URL, Events: []EventType{EventBalanceDeposit}, Active: true})
	store.Create(ctx, &Subscription{ID: "wh3", UserID: "usr_b", URL: server.URL, Events: []EventType{EventTradeCompleted}, Active: true})
	store.Create(ctx, &Subscription{ID: "wh4", UserID: "usr_a", URL: server.URL, Events: []EventType{EventTradeCompleted}, Active: false})

	d := NewDispatcher(store)
	if err := d.DispatchToUser(ctx, "usr_a", &Event{Type: EventTradeCompleted, Timestamp: time.Now()}); err != nil {
		t.Fatalf("DispatchToUser failed: %v", err)
	}

	// Wait for async delivery
	time.Sleep(200 * time.Millisecond)

	if received.Load() != 1 {
		t.Errorf("Expected 1 delivery (usr_a, trade.completed, active only), got %d", received.Load())
	}
}

func TestDispatchIncludesSignatureAndHeaders(t *testing.T) {
	store := NewMemoryStore()

	var mu sync.Mutex
	var gotSig, gotEvent, gotTimestamp string
	var gotBody []byte
	secret := "test_webhook_secret"

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotSig = r.Header.Get("X-OTCMesh-Signature")
		gotEvent = r.Header.Get("X-OTCMesh-Event")
		gotTimestamp = r.Header.Get("X-OTCMesh-Timestamp")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:     "wh1",
		UserID: "usr_a",
		URL:    server.URL,
		Events: []EventType{EventTradeCompleted},
		Active: true,
		Secret: secret,
	})

	d := NewDispatcher(store)
	d.DispatchToUser(ctx, "usr_a", &Event{
		ID:        "evt_1",
		Type:      EventTradeCompleted,
		Timestamp: time.Now(),
		Data:      map[string]any{"tradeId": "trd_1"},
	})

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if gotSig == "" {
		t.Fatal("Expected signature header")
	}
	if gotSig != Sign(gotBody, secret) {
		t.Error("Signature does not verify against delivered body")
	}
	if gotEvent != "trade.completed" {
		t.Errorf("Expected event header trade.completed, got %s", gotEvent)
	}
	if gotTimestamp == "" {
		t.Error("Expected timestamp header")
	}

	var parsed Event
	if err := json.Unmarshal(gotBody, &parsed); err != nil {
		t.Fatalf("Failed to parse payload: %v", err)
	}
	if parsed.Data["tradeId"] != "trd_1" {
		t.Errorf("Expected tradeId in payload, got %v", parsed.Data)
	}
}

func TestDispatchUpdatesDeliveryState(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	okServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer okServer.Close()
	failServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer failServer.Close()

	store.Create(ctx, &Subscription{ID: "wh_ok", UserID: "usr_a", URL: okServer.URL, Events: []EventType{EventTradeCreated}, Active: true})
	store.Create(ctx, &Subscription{ID: "wh_bad", UserID: "usr_b", URL: failServer.URL, Events: []EventType{EventTradeCreated}, Active: true})

	d := NewDispatcher(store)
	d.DispatchToUser(ctx, "usr_a", &Event{Type: EventTradeCreated, Timestamp: time.Now()})
	d.DispatchToUser(ctx, "usr_b", &Event{Type: EventTradeCreated, Timestamp: time.Now()})

	time.Sleep(200 * time.Millisecond)

	ok, _ := store.Get(ctx, "wh_ok")
	if ok.LastSuccess == nil {
		t.Error("Expected lastSuccess after 200 response")
	}
	if ok.LastError != "" {
		t.Errorf("Expected no error after success, got %s", ok.LastError)
	}

	bad, _ := store.Get(ctx, "wh_bad")
	if bad.LastError == "" {
		t.Error("Expected lastError after 500 response")
	}
}

func TestKnownEvent(t *testing.T) {
	if !KnownEvent(EventDisputeResolved) {
		t.Error("dispute.resolved should be known")
	}
	if KnownEvent("trade.exploded") {
		t.Error("unknown event accepted")
	}
}
