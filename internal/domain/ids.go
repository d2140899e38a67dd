package domain

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewDecisionID mints a decision identifier of the form
// SELUN-DEC-<epochMillis>-<6 uppercase hex>.
func NewDecisionID(now time.Time) string {
	buf := make([]byte, 3)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("SELUN-DEC-%d-%s", now.UnixMilli(), strings.ToUpper(hex.EncodeToString(buf)))
}

// NewJobID mints a job identifier.
func NewJobID() string {
	return "SELUN-JOB-" + uuid.NewString()
}
