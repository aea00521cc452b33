package protocol

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

var reqCounter atomic.Uint64

// NewRequestID returns an id unique within one process run. The uuid alone is
// collision-free for practical purposes; the counter makes ids cheap to eyeball
// in logs and guarantees uniqueness even under a broken entropy source.
func NewRequestID() string {
	return fmt.Sprintf("%d-%s", reqCounter.Add(1), uuid.NewString())
}

// NewRunID returns a process-unique run identifier.
func NewRunID() string {
	return "run-" + uuid.NewString()
}
