package ledger

const (
	operationOpenAccount   = "open_account"
	operationDeposit       = "deposit"
	operationWithdraw      = "withdraw"
	operationChargeSession = "charge_session"
	operationRefund        = "refund"

	operationStatusOK       = "ok"
	operationStatusReplayed = "replayed"
	operationStatusError    = "error"

	idempotencyKeyDelimiter  = ":"
	idempotencyPrefixSession = "session"
	idempotencySuffixUsage   = "usage"
	idempotencySuffixRefund  = "refund"

	defaultListLimit = 50
	maxListLimit     = 200
)
