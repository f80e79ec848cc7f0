package classification

import (
	"context"
	"math"
	"testing"

	"triage_server/core/domain"
)

func historyLayerWith(prefs *fakePrefs) *HistoryLayer {
	return NewHistoryLayer(prefs, nil, DefaultHistoryConfig())
}

func senderPref(accountID, sender string, seen int64, reply, archive, del float64) *domain.Preference {
	p := domain.NewPreference(accountID, domain.ScopeSender, sender)
	p.EmailsSeen = seen
	p.ReplyRate = reply
	p.ArchiveRate = archive
	p.DeleteRate = del
	return p
}

func TestHistoryLayerKnownImportantSender(t *testing.T) {
	prefs := newFakePrefs()
	prefs.put(senderPref("acct-1", "boss@company.com", 25, 0.92, 0.05, 0))

	email := plainEmail()
	email.Sender = "boss@company.com"
	email.SenderDomain = "company.com"

	score := historyLayerWith(prefs).Classify(context.Background(), email)
	if score.IsNull() {
		t.Fatal("known sender should produce a score")
	}
	if score.Category != domain.CategoryImportant {
		t.Fatalf("category = %s, want important", score.Category)
	}
	if score.Importance < 0.8 {
		t.Errorf("importance = %.3f, want >= 0.8", score.Importance)
	}
	if math.Abs(score.Confidence-0.85) > 1e-9 {
		t.Errorf("confidence = %.3f, want 0.85 (saturated sender base)", score.Confidence)
	}
}

func TestHistoryLayerMinimumVolumeBoundary(t *testing.T) {
	prefs := newFakePrefs()
	prefs.put(senderPref("acct-1", "new@people.io", 4, 0.9, 0, 0))

	email := plainEmail()
	email.Sender = "new@people.io"
	email.SenderDomain = "people.io"

	layer := historyLayerWith(prefs)
	if score := layer.Classify(context.Background(), email); !score.IsNull() {
		t.Fatalf("4 emails seen is below the sender minimum, got %s", score.Category)
	}

	prefs.put(senderPref("acct-1", "new@people.io", 5, 0.9, 0, 0))
	score := layer.Classify(context.Background(), email)
	if score.IsNull() {
		t.Fatal("5 emails seen meets the sender minimum")
	}
	// Confidence is attenuated by the small sample: 0.85 * 5/20.
	if math.Abs(score.Confidence-0.85*0.25) > 1e-9 {
		t.Errorf("confidence = %.4f, want %.4f", score.Confidence, 0.85*0.25)
	}
}

func TestHistoryLayerDomainFallback(t *testing.T) {
	prefs := newFakePrefs()
	p := domain.NewPreference("acct-1", domain.ScopeDomain, "partner.io")
	p.EmailsSeen = 12
	p.ReplyRate = 0.05
	p.ArchiveRate = 0.9
	prefs.put(p)

	score := historyLayerWith(prefs).Classify(context.Background(), plainEmail())
	if score.IsNull() {
		t.Fatal("domain row above its minimum should be used")
	}
	if score.Category != domain.CategoryNewsletter {
		t.Fatalf("category = %s, want newsletter", score.Category)
	}
	if score.Importance > 0.2 {
		t.Errorf("importance = %.3f, want <= 0.2", score.Importance)
	}
	if math.Abs(score.Confidence-0.75*12.0/20.0) > 1e-9 {
		t.Errorf("confidence = %.4f, want %.4f", score.Confidence, 0.75*12.0/20.0)
	}
}

func TestHistoryLayerDomainBelowMinimum(t *testing.T) {
	prefs := newFakePrefs()
	p := domain.NewPreference("acct-1", domain.ScopeDomain, "partner.io")
	p.EmailsSeen = 9 // domain minimum is 10
	p.ReplyRate = 0.9
	prefs.put(p)

	if score := historyLayerWith(prefs).Classify(context.Background(), plainEmail()); !score.IsNull() {
		t.Fatalf("domain row below minimum must be ignored, got %s", score.Category)
	}
}

func TestHistoryLayerUnknownSenderIsNull(t *testing.T) {
	score := historyLayerWith(newFakePrefs()).Classify(context.Background(), plainEmail())
	if !score.IsNull() {
		t.Fatal("no history should mean a null score")
	}
}

func TestHistoryLayerIsReadOnly(t *testing.T) {
	prefs := newFakePrefs()
	prefs.put(senderPref("acct-1", "boss@company.com", 25, 0.92, 0.05, 0))

	email := plainEmail()
	email.Sender = "boss@company.com"
	email.SenderDomain = "company.com"

	historyLayerWith(prefs).Classify(context.Background(), email)
	if prefs.updates != 0 {
		t.Fatalf("history layer wrote %d times; it must never write", prefs.updates)
	}
}
