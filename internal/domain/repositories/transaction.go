package repositories

import "context"

// TxFn runs with a context that carries the open transaction.
type TxFn func(ctx context.Context) error

// TransactionManager makes a run's final writes atomic: the turn's messages
// and its memory entries commit together or not at all. The in-memory
// manager serialises callers instead.
type TransactionManager interface {
	// ExecTx runs fn and commits when it returns nil.
	ExecTx(ctx context.Context, fn TxFn) error
}
