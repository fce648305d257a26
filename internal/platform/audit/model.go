package audit

import "time"

type Result string

const (
	ResultSuccess Result = "success"
	ResultDenied  Result = "denied"
	ResultError   Result = "error"
)

// Event is one immutable entry in the panel's audit trail. Object types in
// use: admin_account, admin_session, credit_transaction, pix_payment.
type Event struct {
	AuditID      string
	OccurredAt   time.Time
	RecordedAt   time.Time
	ActorID      string
	ObjectType   string
	ObjectID     string
	Action       string
	Before       []byte
	After        []byte
	Result       Result
	Reason       string
	PartitionDay string
	HashPrev     string
	HashCurr     string
}
