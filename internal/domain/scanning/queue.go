package scanning

import (
	"time"

	"github.com/google/uuid"
)

// ItemMessage is the queue payload dispatching one work item to a worker.
// Size travels with the message so workers can apply the scan filter
// without a round-trip to the object store.
type ItemMessage struct {
	JobID       uuid.UUID `json:"job_id"`
	Collection  string    `json:"collection"`
	ObjectKey   string    `json:"object_key"`
	Fingerprint string    `json:"fingerprint"`
	Size        int64     `json:"size"`
}

// ItemKey returns the work item identity carried by this message.
func (m ItemMessage) ItemKey() ItemKey {
	return ItemKey{
		JobID:       m.JobID,
		Collection:  m.Collection,
		ObjectKey:   m.ObjectKey,
		Fingerprint: m.Fingerprint,
	}
}

// GroupKey returns the fairness accounting key for this message. Fairness
// is tracked per collection, not per job, so repeated jobs against the same
// collection share one accounting bucket.
func (m ItemMessage) GroupKey() string { return m.Collection }

// Delivery is one received queue message plus the handle needed to ack it.
type Delivery struct {
	Message  ItemMessage
	Handle   DeliveryHandle
	Attempts int
}

// DeliveryHandle identifies a specific claim of a message. Acking with a
// stale handle (after the visibility window expired and another consumer
// claimed the message) is a silent no-op.
type DeliveryHandle struct {
	MessageID  int64
	ClaimToken uuid.UUID
}

// DeadLetter is a message that exhausted its delivery attempts and was
// parked for operator inspection.
type DeadLetter struct {
	ID             int64
	GroupKey       string
	Message        ItemMessage
	Attempts       int
	FirstEnqueued  time.Time
	DeadLetteredAt time.Time
	Reason         string
}
