package model

import (
	"fmt"

	"github.com/google/uuid"
)

var idempotencyNamespace = uuid.MustParse("6f1c2a8e-3d4b-4f7a-9c51-2e8b0d7a4c19")

func NewID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

// StepIdempotencyKey is stable for a given plan version and step, so every
// retry of the step presents the same key.
func StepIdempotencyKey(requestID string, version, index int) string {
	name := fmt.Sprintf("%s/v%d/step%d", requestID, version, index)
	return uuid.NewSHA1(idempotencyNamespace, []byte(name)).String()
}
