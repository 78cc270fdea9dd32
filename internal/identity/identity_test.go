package identity

import (
	"testing"

	"github.com/BranchLine/FunnelPipe/internal/models"
)

func readyIdentity(id string, sent, limit int, tier models.RiskTier) models.SendingIdentity {
	return models.SendingIdentity{
		ID:         id,
		Status:     models.ConnStatusReady,
		SentToday:  sent,
		DailyLimit: limit,
		RiskTier:   tier,
	}
}

func TestSelectForSend_PicksFewestSent(t *testing.T) {
	pool := []models.SendingIdentity{
		readyIdentity("a", 30, 100, models.RiskTierLow),
		readyIdentity("b", 10, 100, models.RiskTierMedium),
		readyIdentity("c", 20, 100, models.RiskTierLow),
	}
	got, ok := SelectForSend(pool)
	if !ok {
		t.Fatal("expected a selection")
	}
	if got.ID != "b" {
		t.Errorf("expected identity 'b' (fewest sent), got %q", got.ID)
	}
}

func TestSelectForSend_TieBrokenByPoolOrder(t *testing.T) {
	pool := []models.SendingIdentity{
		readyIdentity("first", 5, 100, models.RiskTierLow),
		readyIdentity("second", 5, 100, models.RiskTierLow),
	}
	got, ok := SelectForSend(pool)
	if !ok || got.ID != "first" {
		t.Errorf("expected 'first' to win the tie, got %q (ok=%v)", got.ID, ok)
	}
}

func TestSelectForSend_NeverPicksHighRisk(t *testing.T) {
	pool := []models.SendingIdentity{readyIdentity("risky", 0, 100, models.RiskTierHigh)}
	if _, ok := SelectForSend(pool); ok {
		t.Error("high-risk identity selected even though it should be excluded")
	}
}

func TestSelectForSend_NeverPicksExhausted(t *testing.T) {
	pool := []models.SendingIdentity{readyIdentity("spent", 100, 100, models.RiskTierLow)}
	if _, ok := SelectForSend(pool); ok {
		t.Error("exhausted identity selected even though it should be excluded")
	}
}

func TestSelectForSend_RequiresConnectedStatus(t *testing.T) {
	pool := []models.SendingIdentity{
		{ID: "d", Status: models.ConnStatusDisconnected, DailyLimit: 100, RiskTier: models.RiskTierLow},
		{ID: "c", Status: models.ConnStatusConnecting, DailyLimit: 100, RiskTier: models.RiskTierLow},
	}
	if _, ok := SelectForSend(pool); ok {
		t.Error("expected no selection from disconnected pool")
	}

	pool = append(pool, models.SendingIdentity{
		ID: "auth", Status: models.ConnStatusAuthenticated, DailyLimit: 100, RiskTier: models.RiskTierLow,
	})
	got, ok := SelectForSend(pool)
	if !ok || got.ID != "auth" {
		t.Errorf("expected authenticated identity to qualify, got %q (ok=%v)", got.ID, ok)
	}
}

func TestSelectForSend_EmptyPool(t *testing.T) {
	if _, ok := SelectForSend(nil); ok {
		t.Error("expected no selection from empty pool")
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	err := r.Register(models.SendingIdentity{ID: "id1", Channel: models.ChannelWhatsmeow, DailyLimit: 50, RiskTier: models.RiskTierLow})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	id, err := r.Get("id1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if id.Status != models.ConnStatusDisconnected {
		t.Errorf("expected default disconnected status, got %q", id.Status)
	}

	if _, err := r.Get("missing"); err != models.ErrUnknownIdentity {
		t.Errorf("expected ErrUnknownIdentity, got %v", err)
	}
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(models.SendingIdentity{RiskTier: models.RiskTierLow}); err == nil {
		t.Error("expected error for empty ID")
	}
	if err := r.Register(models.SendingIdentity{ID: "x", RiskTier: "extreme"}); err == nil {
		t.Error("expected error for invalid risk tier")
	}
}

func TestRegistry_ReRegisterPreservesCounter(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(readyIdentity("id1", 0, 50, models.RiskTierLow)); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := r.RecordSend("id1"); err != nil {
			t.Fatal(err)
		}
	}

	// Operator re-registers with a new daily limit; counter survives.
	if err := r.Register(readyIdentity("id1", 0, 80, models.RiskTierMedium)); err != nil {
		t.Fatal(err)
	}
	id, _ := r.Get("id1")
	if id.SentToday != 3 {
		t.Errorf("sent-today counter lost on re-register: got %d", id.SentToday)
	}
	if id.DailyLimit != 80 {
		t.Errorf("daily limit not updated: got %d", id.DailyLimit)
	}
}

func TestRegistry_UpdateStatusAndReset(t *testing.T) {
	r := NewRegistry()
	_ = r.Register(readyIdentity("id1", 0, 50, models.RiskTierLow))

	if err := r.UpdateStatus("id1", models.ConnStatusAuthenticated); err != nil {
		t.Fatalf("update status failed: %v", err)
	}
	if err := r.UpdateStatus("id1", "bogus"); err == nil {
		t.Error("expected error for invalid status")
	}
	if err := r.UpdateStatus("missing", models.ConnStatusReady); err != models.ErrUnknownIdentity {
		t.Errorf("expected ErrUnknownIdentity, got %v", err)
	}

	_ = r.RecordSend("id1")
	r.ResetDailyCounts()
	id, _ := r.Get("id1")
	if id.SentToday != 0 {
		t.Errorf("expected counter reset, got %d", id.SentToday)
	}
}

func TestRegistry_PoolPreservesOrder(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"one", "two", "three"} {
		_ = r.Register(readyIdentity(id, 0, 10, models.RiskTierLow))
	}
	pool := r.Pool()
	if len(pool) != 3 {
		t.Fatalf("expected 3 identities, got %d", len(pool))
	}
	for i, want := range []string{"one", "two", "three"} {
		if pool[i].ID != want {
			t.Errorf("pool[%d] = %q, want %q", i, pool[i].ID, want)
		}
	}
}
