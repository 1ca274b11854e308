// Package idempotency derives the stable event id attached to every delivery
// attempt of one logical conversion.
package idempotency

import (
	"strconv"

	"github.com/google/uuid"

	"github.com/tjfontaine/conversion-relay/internal/core/domain"
)

// Namespace is the UUIDv5 namespace for relay event ids.
var Namespace = uuid.MustParse("8c2f7f2e-4a51-5b8e-9d0b-7c1e3a6f9b42")

// Generate returns a deterministic key for record. The completion's
// transaction id is used when present; otherwise the event name, session id
// and completion time identify the conversion.
func Generate(record *domain.MergedRecord) string {
	return uuid.NewSHA1(Namespace, []byte(Seed(record))).String()
}

// Seed is the pre-hash input, exposed for diagnostics.
func Seed(record *domain.MergedRecord) string {
	if record.TransactionID != "" {
		return "txn:" + record.TransactionID
	}
	return "evt:" + record.EventName + ":" + record.SessionID + ":" + strconv.FormatInt(record.EventTime, 10)
}
