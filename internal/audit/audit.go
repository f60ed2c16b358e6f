package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"changegate/internal/model"
)

// Writer is the append-only persistence contract of the ledger. There is
// deliberately no update or delete.
type Writer interface {
	AppendAudit(ctx context.Context, entry model.AuditEntry) (model.AuditEntry, error)
	ListAudit(ctx context.Context, requestID string) ([]model.AuditEntry, error)
}

var marshalPayload = json.Marshal

// NewEntry builds an unsealed entry; the store assigns sequence and hashes.
func NewEntry(requestID, kind string, payload any, ts time.Time) (model.AuditEntry, error) {
	if requestID == "" {
		return model.AuditEntry{}, errors.New("request_id required")
	}
	if kind == "" {
		return model.AuditEntry{}, errors.New("event kind required")
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return model.AuditEntry{}, fmt.Errorf("audit payload: %w", err)
	}
	return model.AuditEntry{RequestID: requestID, Kind: kind, Payload: raw, Timestamp: ts}, nil
}

// Seal chains e after prev (nil for the first entry of a request).
// Timestamps are truncated to microseconds so hashes survive a round trip
// through Postgres.
func Seal(prev *model.AuditEntry, e model.AuditEntry) model.AuditEntry {
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Microsecond)
	e.Sequence = 1
	e.PrevHash = ""
	if prev != nil {
		e.Sequence = prev.Sequence + 1
		e.PrevHash = prev.Hash
	}
	if len(e.Payload) == 0 {
		e.Payload = json.RawMessage(`{}`)
	}
	e.Hash = model.ChainHash(e.PrevHash, e)
	return e
}

type Ledger struct {
	Store Writer
	Now   func() time.Time
}

func NewLedger(store Writer) *Ledger {
	return &Ledger{Store: store, Now: time.Now}
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Ledger) Append(ctx context.Context, requestID, kind string, payload any) (model.AuditEntry, error) {
	if l == nil || l.Store == nil {
		return model.AuditEntry{}, errors.New("audit ledger not initialized")
	}
	entry, err := NewEntry(requestID, kind, payload, l.now())
	if err != nil {
		return model.AuditEntry{}, err
	}
	return l.Store.AppendAudit(ctx, entry)
}

// Entries returns the request's ledger in sequence order.
func (l *Ledger) Entries(ctx context.Context, requestID string) ([]model.AuditEntry, error) {
	if l == nil || l.Store == nil {
		return nil, errors.New("audit ledger not initialized")
	}
	return l.Store.ListAudit(ctx, requestID)
}

// Tail returns the last n entries.
func (l *Ledger) Tail(ctx context.Context, requestID string, n int) ([]model.AuditEntry, error) {
	entries, err := l.Entries(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

// Verify checks that sequence numbers start at 1 without gaps and that the
// hash chain is intact.
func Verify(entries []model.AuditEntry) error {
	prevHash := ""
	for i, e := range entries {
		want := int64(i + 1)
		if e.Sequence != want {
			return fmt.Errorf("audit sequence gap: want %d, got %d", want, e.Sequence)
		}
		if e.PrevHash != prevHash {
			return fmt.Errorf("audit chain broken at %d", e.Sequence)
		}
		if model.ChainHash(prevHash, e) != e.Hash {
			return fmt.Errorf("audit hash mismatch at %d", e.Sequence)
		}
		prevHash = e.Hash
	}
	return nil
}
