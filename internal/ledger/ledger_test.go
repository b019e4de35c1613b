package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oriys/fnmesh/internal/domain"
)

func TestRecordMessageNilLedgerIsNoop(t *testing.T) {
	msg := &domain.Message{
		User:     "alice",
		Function: "resize",
		ResultKey: "result:alice/resize/1",
		Success:  true,
	}
	if err := RecordMessage(context.Background(), nil, msg, "host-a", 5*time.Millisecond, true, nil); err != nil {
		t.Fatalf("RecordMessage with nil ledger returned error: %v", err)
	}
}

func TestNewRejectsEmptyDSN(t *testing.T) {
	if _, err := New(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

func TestRecordMessageNilLedgerIgnoresCallError(t *testing.T) {
	// A nil ledger returns before any Entry is built or any network I/O
	// happens, so this only verifies RecordMessage returns nil rather
	// than an error when callErr is non-nil and an input payload is
	// present.
	msg := &domain.Message{
		User:       "bob",
		Function:   "transcode",
		ResultKey:  "result:bob/transcode/7",
		InputData:  []byte(`{"a":1}`),
		OutputData: nil,
		Success:    false,
	}
	if err := RecordMessage(context.Background(), nil, msg, "host-b", time.Second, false, errors.New("boom")); err != nil {
		t.Fatalf("RecordMessage returned error: %v", err)
	}
}
