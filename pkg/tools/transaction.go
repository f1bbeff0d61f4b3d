package tools

import (
	"context"

	"github.com/aixgo-dev/u2mcp/pkg/mcp"
)

type transactionOutput struct {
	Status string `json:"status"`
}

func transactionTool(name, description, status string, run func(*Deps, context.Context) error) func(*Deps) mcp.Tool {
	return func(d *Deps) mcp.Tool {
		return mcp.NewTypedTool(name, description,
			func(ctx context.Context, _ noInput) (transactionOutput, error) {
				if err := run(d, ctx); err != nil {
					return transactionOutput{}, toolError(err)
				}
				return transactionOutput{Status: status}, nil
			}).ToTool()
	}
}

var (
	beginTransactionTool = transactionTool("begin_transaction",
		"Start a transaction. Writes and deletes are held until commit_transaction. "+
			"If the session is reset before commit, the transaction is lost and the next transaction call reports it.",
		"started",
		func(d *Deps, ctx context.Context) error { return d.Manager.BeginTransaction(ctx) })

	commitTransactionTool = transactionTool("commit_transaction",
		"Commit the open transaction.",
		"committed",
		func(d *Deps, ctx context.Context) error { return d.Manager.CommitTransaction(ctx) })

	rollbackTransactionTool = transactionTool("rollback_transaction",
		"Discard the open transaction.",
		"rolled_back",
		func(d *Deps, ctx context.Context) error { return d.Manager.RollbackTransaction(ctx) })
)
