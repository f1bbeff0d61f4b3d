package connection

import (
	"context"
	"time"

	tracing "github.com/aixgo-dev/u2mcp/internal/observability"
)

// txState tracks the single transaction the session may have open. The
// session lock is taken per call; bracketing is enforced by this state.
type txState struct {
	open      bool
	startedAt time.Time
	// lost is set when a reconnect or disconnect dropped an open
	// transaction. The next begin, commit or rollback reports it once.
	lost bool
}

const txLostMessage = "transaction was lost when the session was reset; its changes were not committed"

// checkTxLost requires sem.
func (m *Manager) checkTxLost(op string) error {
	if m.tx.lost {
		return newError(KindTransaction, op, txLostMessage, nil)
	}
	return nil
}

func (m *Manager) setTx(tx txState) {
	m.mu.Lock()
	m.tx = tx
	m.mu.Unlock()
}

// BeginTransaction opens a transaction. Only one may be open at a time.
func (m *Manager) BeginTransaction(ctx context.Context) (err error) {
	ctx, span := tracing.StartSpan(ctx, "connection.begin_transaction")
	defer func() { tracing.EndSpan(span, err) }()

	if err := m.acquire(ctx, "begin_transaction"); err != nil {
		return err
	}
	defer m.release()

	if err := m.ackLost("begin_transaction"); err != nil {
		return err
	}
	if m.tx.open {
		return newError(KindTransaction, "begin_transaction", "a transaction is already open", nil)
	}
	s, err := m.ensureLocked(ctx, "begin_transaction")
	if err != nil {
		return err
	}

	if _, err := do(ctx, m, s, "begin_transaction", 0, func(d Driver) (struct{}, error) {
		return struct{}{}, d.Begin()
	}); err != nil {
		return err
	}
	m.setTx(txState{open: true, startedAt: time.Now()})
	m.logger.Debug().Str("session", s.ID).Msg("transaction started")
	return nil
}

// CommitTransaction commits the open transaction.
func (m *Manager) CommitTransaction(ctx context.Context) (err error) {
	ctx, span := tracing.StartSpan(ctx, "connection.commit_transaction")
	defer func() { tracing.EndSpan(span, err) }()

	return m.endTransaction(ctx, "commit_transaction", Driver.Commit)
}

// RollbackTransaction discards the open transaction.
func (m *Manager) RollbackTransaction(ctx context.Context) (err error) {
	ctx, span := tracing.StartSpan(ctx, "connection.rollback_transaction")
	defer func() { tracing.EndSpan(span, err) }()

	return m.endTransaction(ctx, "rollback_transaction", Driver.Rollback)
}

func (m *Manager) endTransaction(ctx context.Context, op string, end func(Driver) error) error {
	if err := m.acquire(ctx, op); err != nil {
		return err
	}
	defer m.release()

	if err := m.ackLost(op); err != nil {
		return err
	}
	if !m.tx.open {
		return newError(KindTransaction, op, "no transaction is open", nil)
	}

	s, err := m.ensureLocked(ctx, op)
	if err != nil {
		// ensureLocked only reconnects a broken session, which drops the
		// transaction.
		if lerr := m.ackLost(op); lerr != nil {
			return lerr
		}
		return err
	}
	if lerr := m.ackLost(op); lerr != nil {
		return lerr
	}

	_, err = do(ctx, m, s, op, 0, func(d Driver) (struct{}, error) {
		return struct{}{}, end(d)
	})
	// The backend ends the transaction whether or not the call succeeded; a
	// timeout or lost connection leaves nothing to end.
	started := m.tx.startedAt
	m.setTx(txState{})
	if err != nil {
		return err
	}
	m.logger.Debug().Str("session", s.ID).Dur("duration", time.Since(started)).Str("op", op).Msg("transaction ended")
	return nil
}

// ackLost reports and clears a lost transaction. Requires sem.
func (m *Manager) ackLost(op string) error {
	if !m.tx.lost {
		return nil
	}
	m.setTx(txState{})
	return newError(KindTransaction, op, txLostMessage, nil)
}
