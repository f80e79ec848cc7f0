package notification

import (
	"context"
	"testing"
	"time"

	"triage_server/core/domain"
	"triage_server/core/port/out"
	"triage_server/pkg/apperr"
)

type processorHarness struct {
	processor *Processor
	subs      *fakeSubs
	mail      *fakeMail
	triage    *fakeTriage
}

func newProcessorHarness(t *testing.T, cursor uint64) *processorHarness {
	t.Helper()
	subs := newFakeSubs()
	if _, err := subs.Upsert(context.Background(), &domain.Subscription{
		AccountID:     "acct-1",
		Topic:         "projects/triage/topics/mail-push",
		LastHistoryID: cursor,
		ExpiresAt:     time.Now().Add(24 * time.Hour),
	}); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	accounts := newFakeAccounts(&domain.Account{
		ID:      "acct-1",
		Address: "inbox@corp.io",
	})
	mail := &fakeMail{}
	triage := &fakeTriage{}
	return &processorHarness{
		processor: NewProcessor(subs, accounts, mail, triage),
		subs:      subs,
		mail:      mail,
		triage:    triage,
	}
}

func pushJob(historyID uint64) *out.PushJob {
	return &out.PushJob{
		NotificationID: "n-1",
		AccountID:      "acct-1",
		EmailAddress:   "inbox@corp.io",
		HistoryID:      historyID,
	}
}

func TestProcessPushDrainsDelta(t *testing.T) {
	h := newProcessorHarness(t, 100)
	h.mail.historyIDs = []string{"m1", "m2"}
	h.mail.historyEnd = 112

	if err := h.processor.ProcessPush(context.Background(), pushJob(110)); err != nil {
		t.Fatalf("ProcessPush: %v", err)
	}

	if len(h.triage.runs) != 2 {
		t.Fatalf("triage runs = %v, want [m1 m2]", h.triage.runs)
	}
	if got := h.subs.cursor("acct-1"); got != 112 {
		t.Errorf("cursor = %d, want 112", got)
	}
}

func TestProcessPushBaselinesFirstNotification(t *testing.T) {
	h := newProcessorHarness(t, 0)
	h.mail.historyIDs = []string{"m1"}

	if err := h.processor.ProcessPush(context.Background(), pushJob(110)); err != nil {
		t.Fatalf("ProcessPush: %v", err)
	}

	if len(h.triage.runs) != 0 {
		t.Errorf("baseline must not enumerate history, ran %v", h.triage.runs)
	}
	if got := h.subs.cursor("acct-1"); got != 110 {
		t.Errorf("cursor = %d, want 110", got)
	}
}

func TestProcessPushIgnoresStaleNotification(t *testing.T) {
	h := newProcessorHarness(t, 200)
	h.mail.historyIDs = []string{"m1"}

	if err := h.processor.ProcessPush(context.Background(), pushJob(150)); err != nil {
		t.Fatalf("ProcessPush: %v", err)
	}

	if len(h.triage.runs) != 0 {
		t.Errorf("stale notification must not process messages")
	}
	if got := h.subs.cursor("acct-1"); got != 200 {
		t.Errorf("cursor = %d, want 200 untouched", got)
	}
}

func TestProcessPushSkipsDeletedMessages(t *testing.T) {
	h := newProcessorHarness(t, 100)
	h.mail.historyIDs = []string{"m1", "m2"}
	h.mail.historyEnd = 112
	h.mail.fetchErrs = map[string]error{"m1": apperr.NotFound("message")}

	if err := h.processor.ProcessPush(context.Background(), pushJob(110)); err != nil {
		t.Fatalf("ProcessPush: %v", err)
	}

	if len(h.triage.runs) != 1 || h.triage.runs[0] != "m2" {
		t.Errorf("triage runs = %v, want [m2]", h.triage.runs)
	}
	if got := h.subs.cursor("acct-1"); got != 112 {
		t.Errorf("cursor = %d, want 112", got)
	}
}

func TestProcessPushLeavesCursorOnFailure(t *testing.T) {
	h := newProcessorHarness(t, 100)
	h.mail.historyIDs = []string{"m1", "m2"}
	h.mail.historyEnd = 112
	h.triage.failIDs = map[string]bool{"m2": true}

	if err := h.processor.ProcessPush(context.Background(), pushJob(110)); err == nil {
		t.Fatal("expected pipeline failure to surface")
	}
	if got := h.subs.cursor("acct-1"); got != 100 {
		t.Fatalf("cursor moved to %d on failure, must stay at 100", got)
	}

	// Redelivery replays the whole delta; the pipeline dedupes m1.
	h.triage.failIDs = nil
	if err := h.processor.ProcessPush(context.Background(), pushJob(110)); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if got := h.subs.cursor("acct-1"); got != 112 {
		t.Errorf("cursor = %d after redelivery, want 112", got)
	}
}

func TestProcessPushAdvancesToNotifiedPosition(t *testing.T) {
	// Some adapters return the last history record's id, which can lag the
	// notification. The cursor still lands on the notified position.
	h := newProcessorHarness(t, 100)
	h.mail.historyIDs = []string{"m1"}
	h.mail.historyEnd = 105

	if err := h.processor.ProcessPush(context.Background(), pushJob(110)); err != nil {
		t.Fatalf("ProcessPush: %v", err)
	}
	if got := h.subs.cursor("acct-1"); got != 110 {
		t.Errorf("cursor = %d, want 110", got)
	}
}

func TestProcessPushDropsWhenSubscriptionGone(t *testing.T) {
	h := newProcessorHarness(t, 100)
	if err := h.subs.Delete(context.Background(), "acct-1"); err != nil {
		t.Fatalf("delete seed: %v", err)
	}

	if err := h.processor.ProcessPush(context.Background(), pushJob(110)); err != nil {
		t.Fatalf("unwatched mailbox should ack, got %v", err)
	}
	if len(h.triage.runs) != 0 {
		t.Errorf("nothing should be processed without a subscription")
	}
}

func TestProcessPushResolvesByAddress(t *testing.T) {
	h := newProcessorHarness(t, 100)
	h.mail.historyIDs = []string{"m1"}
	h.mail.historyEnd = 111

	job := pushJob(110)
	job.AccountID = ""
	job.EmailAddress = "Inbox@Corp.io"
	if err := h.processor.ProcessPush(context.Background(), job); err != nil {
		t.Fatalf("ProcessPush: %v", err)
	}
	if len(h.triage.runs) != 1 {
		t.Errorf("triage runs = %v, want [m1]", h.triage.runs)
	}
}
