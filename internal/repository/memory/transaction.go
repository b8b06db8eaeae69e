package memory

import (
	"context"
	"sync"

	"raven/internal/domain/repositories"
)

type stagedKey struct{}

// staged collects writes of one in-memory transaction until commit
type staged struct {
	mu     sync.Mutex
	writes []func()
}

// TransactionManager gives the in-memory stores all-or-nothing semantics:
// writes inside ExecTx are applied only when fn returns nil.
type TransactionManager struct{}

// NewTransactionManager creates a new in-memory transaction manager
func NewTransactionManager() repositories.TransactionManager {
	return &TransactionManager{}
}

// ExecTx runs fn and applies its staged writes on success. Nested calls join
// the outer transaction.
func (tm *TransactionManager) ExecTx(ctx context.Context, fn repositories.TxFn) error {
	if _, ok := ctx.Value(stagedKey{}).(*staged); ok {
		return fn(ctx)
	}

	tx := &staged{}
	if err := fn(context.WithValue(ctx, stagedKey{}, tx)); err != nil {
		return err
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	for _, apply := range tx.writes {
		apply()
	}
	return nil
}

// applyOrStage runs apply now, or at commit when ctx carries a transaction
func applyOrStage(ctx context.Context, apply func()) {
	if tx, ok := ctx.Value(stagedKey{}).(*staged); ok {
		tx.mu.Lock()
		tx.writes = append(tx.writes, apply)
		tx.mu.Unlock()
		return
	}
	apply()
}
