package core

import (
	"time"

	"github.com/google/uuid"
)

var runNamespace = uuid.MustParse("6f1b0d5e-3c1a-4e8e-9a51-0c0e7f2b9d44")

// RunID derives the identifier of the run of workflow at logical. The same
// pair always maps to the same id.
func RunID(workflow string, logical time.Time) string {
	key := workflow + "|" + logical.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(runNamespace, []byte(key)).String()
}

// NewID returns a random identifier.
func NewID() string {
	return uuid.NewString()
}
