package txn

import "errors"

var (
	// ErrTxnAborted reports that a lock request was refused (wrong state
	// or wait-die chose die) and the transaction has been aborted.
	ErrTxnAborted = errors.New("txn: transaction aborted")

	// ErrTupleNotFound reports an operation on a missing or deleted
	// tuple.
	ErrTupleNotFound = errors.New("txn: tuple not found")
)
