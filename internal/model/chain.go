package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// ChainHash links an entry to its predecessor in the per-request ledger.
func ChainHash(prevHash string, e AuditEntry) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(e.Sequence, 10)))
	h.Write([]byte{0})
	h.Write([]byte(e.RequestID))
	h.Write([]byte{0})
	h.Write([]byte(e.Kind))
	h.Write([]byte{0})
	h.Write(e.Payload)
	h.Write([]byte{0})
	h.Write([]byte(e.Timestamp.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}
