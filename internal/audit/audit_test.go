package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"changegate/internal/model"
)

type fakeWriter struct {
	mu        sync.Mutex
	entries   map[string][]model.AuditEntry
	appendErr error
}

func (f *fakeWriter) AppendAudit(ctx context.Context, e model.AuditEntry) (model.AuditEntry, error) {
	if f.appendErr != nil {
		return model.AuditEntry{}, f.appendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.entries == nil {
		f.entries = map[string][]model.AuditEntry{}
	}
	list := f.entries[e.RequestID]
	var prev *model.AuditEntry
	if len(list) > 0 {
		prev = &list[len(list)-1]
	}
	sealed := Seal(prev, e)
	f.entries[e.RequestID] = append(list, sealed)
	return sealed, nil
}

func (f *fakeWriter) ListAudit(ctx context.Context, requestID string) ([]model.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.AuditEntry(nil), f.entries[requestID]...), nil
}

func TestLedgerAppendSequences(t *testing.T) {
	w := &fakeWriter{}
	l := NewLedger(w)
	l.Now = func() time.Time { return time.Unix(100, 123456789) }
	for i := 0; i < 3; i++ {
		if _, err := l.Append(context.Background(), "req_1", model.EventPlanTransition, map[string]int{"i": i}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if _, err := l.Append(context.Background(), "req_2", model.EventRequestSubmitted, nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	entries, err := l.Entries(context.Background(), "req_1")
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 3 || entries[2].Sequence != 3 {
		t.Fatalf("entries: %+v", entries)
	}
	if entries[0].Timestamp.Nanosecond() != 123456000 {
		t.Fatalf("timestamp not truncated: %v", entries[0].Timestamp)
	}
	if err := Verify(entries); err != nil {
		t.Fatalf("verify: %v", err)
	}
	other, _ := l.Entries(context.Background(), "req_2")
	if len(other) != 1 || other[0].Sequence != 1 {
		t.Fatalf("req_2: %+v", other)
	}
	tail, _ := l.Tail(context.Background(), "req_1", 2)
	if len(tail) != 2 || tail[0].Sequence != 2 {
		t.Fatalf("tail: %+v", tail)
	}
}

func TestLedgerConcurrentAppendsGapless(t *testing.T) {
	w := &fakeWriter{}
	l := NewLedger(w)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.Append(context.Background(), "req_1", model.EventPlanTransition, nil)
		}()
	}
	wg.Wait()
	entries, _ := l.Entries(context.Background(), "req_1")
	if len(entries) != 50 {
		t.Fatalf("entries: %d", len(entries))
	}
	if err := Verify(entries); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestLedgerErrors(t *testing.T) {
	var nilLedger *Ledger
	if _, err := nilLedger.Append(context.Background(), "r", "k", nil); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := nilLedger.Entries(context.Background(), "r"); err == nil {
		t.Fatalf("expected error")
	}
	l := NewLedger(&fakeWriter{appendErr: errors.New("down")})
	if _, err := l.Append(context.Background(), "r", "k", nil); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := l.Append(context.Background(), "", "k", nil); err == nil {
		t.Fatalf("expected request id error")
	}
	if _, err := l.Append(context.Background(), "r", "", nil); err == nil {
		t.Fatalf("expected kind error")
	}
	if _, err := l.Append(context.Background(), "r", "k", make(chan int)); err == nil {
		t.Fatalf("expected marshal error")
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	w := &fakeWriter{}
	l := NewLedger(w)
	for i := 0; i < 3; i++ {
		_, _ = l.Append(context.Background(), "req_1", model.EventPlanTransition, map[string]int{"i": i})
	}
	entries, _ := l.Entries(context.Background(), "req_1")

	tampered := append([]model.AuditEntry(nil), entries...)
	tampered[1].Payload = json.RawMessage(`{"i":9}`)
	if err := Verify(tampered); err == nil {
		t.Fatalf("expected hash mismatch")
	}
	if err := Verify([]model.AuditEntry{entries[0], entries[2]}); err == nil {
		t.Fatalf("expected gap")
	}
	relinked := append([]model.AuditEntry(nil), entries...)
	relinked[2].PrevHash = "x"
	if err := Verify(relinked); err == nil {
		t.Fatalf("expected broken chain")
	}
}

func TestAnomalies(t *testing.T) {
	w := &fakeWriter{}
	l := NewLedger(w)
	ctx := context.Background()
	attempt := func(kind string, step, n int, plan string) {
		_, _ = l.Append(ctx, "req_1", kind, model.AttemptPayload{PlanID: plan, StepIndex: step, Attempt: n, IdempotencyKey: "k"})
	}
	attempt(model.EventExecutionAttempted, 1, 1, "plan_a")
	attempt(model.EventExecutionResult, 1, 1, "plan_a")
	attempt(model.EventExecutionAttempted, 2, 1, "plan_a")
	attempt(model.EventExecutionAttempted, 1, 1, "plan_b")

	entries, _ := l.Entries(ctx, "req_1")
	got := Anomalies(entries, "plan_a")
	if len(got) != 1 || got[0].StepIndex != 2 || got[0].Acknowledged {
		t.Fatalf("anomalies: %+v", got)
	}
	if len(Anomalies(entries, "")) != 2 {
		t.Fatalf("expected anomalies across plans")
	}
	if Reported(entries, got[0]) {
		t.Fatalf("not yet reported")
	}

	_, _ = l.Append(ctx, "req_1", model.EventReconciliationAnomaly, model.AnomalyPayload{PlanID: "plan_a", StepIndex: 2, Attempt: 1})
	_, _ = l.Append(ctx, "req_1", model.EventAnomalyAcknowledged, model.AnomalyPayload{PlanID: "plan_a", StepIndex: 2, Attempt: 1, Actor: "ops", RemoteReference: "sys_9"})
	entries, _ = l.Entries(ctx, "req_1")
	got = Anomalies(entries, "plan_a")
	if len(got) != 1 || !got[0].Acknowledged || got[0].RemoteReference != "sys_9" || got[0].AcknowledgedBy != "ops" {
		t.Fatalf("ack: %+v", got)
	}
	if !Reported(entries, got[0]) {
		t.Fatalf("expected reported")
	}
	if len(Unresolved(got)) != 0 {
		t.Fatalf("expected resolved")
	}
}
