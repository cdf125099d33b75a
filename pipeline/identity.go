package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/warp/labor-events/catalog"
)

// LogicalKey identifies an obligation independent of its revision.
func LogicalKey(companyID string, t catalog.EventType, subject string, period *Period) string {
	p := "-"
	if period != nil {
		p = period.String()
	}
	return strings.Join([]string{companyID, string(t), subject, p}, "|")
}

// EventID derives the event id from the logical key and revision.
// Regenerating the same obligation yields the same id.
func EventID(logicalKey string, revision int) string {
	sum := sha256.Sum256([]byte(logicalKey + "|" + strconv.Itoa(revision)))
	return "evt_" + hex.EncodeToString(sum[:16])
}
