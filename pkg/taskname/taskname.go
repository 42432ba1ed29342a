package taskname

const (
	// Settlement tasks
	EarningSettleRun = "earning:settle:run"

	// Reconciliation tasks
	PaymentAuditRecord = "payment:audit:record"
)
