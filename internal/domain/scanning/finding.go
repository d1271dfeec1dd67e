package scanning

import (
	"time"

	"github.com/google/uuid"
)

// DetectorType identifies the pattern family that produced a finding.
type DetectorType string

const (
	DetectorTypeSSN             DetectorType = "SSN"
	DetectorTypePaymentCard     DetectorType = "PAYMENT_CARD"
	DetectorTypeEmail           DetectorType = "EMAIL"
	DetectorTypePhone           DetectorType = "PHONE"
	DetectorTypeCloudCredential DetectorType = "CLOUD_CREDENTIAL"
)

func (d DetectorType) String() string { return string(d) }

// Finding is a single masked match recorded against an object version.
// Findings are immutable once created. The uniqueness constraint on
// (collection, object_key, fingerprint, detector_type, byte_offset) is the
// system's core dedup invariant: reprocessing the same object version after
// a redelivered message never creates duplicates.
type Finding struct {
	// ID is the surrogate key assigned by the store; zero until persisted.
	ID int64

	JobID          uuid.UUID
	Collection     string
	ObjectKey      string
	Fingerprint    string
	DetectorType   DetectorType
	MaskedValue    string
	ContextSnippet string
	ByteOffset     int64
	CreatedAt      time.Time
}
