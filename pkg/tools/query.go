package tools

import (
	"context"
	"time"

	"github.com/aixgo-dev/u2mcp/pkg/connection"
	"github.com/aixgo-dev/u2mcp/pkg/mcp"
	"github.com/aixgo-dev/u2mcp/pkg/security"
)

type queryInput struct {
	Query      string `json:"query" description:"RetrieVe query, e.g. SELECT CUSTOMERS WITH STATE = \"CA\" or LIST CUSTOMERS NAME" jsonschema:"required,minLength=1"`
	MaxRecords int    `json:"max_records,omitempty" description:"Maximum ids or report rows to return; the server cap applies when larger or zero" jsonschema:"minimum=0"`
}

func executeQueryTool(d *Deps) mcp.Tool {
	return mcp.NewTypedTool("execute_query",
		"Run a RetrieVe query. SELECT, SSELECT and QSELECT return record ids; LIST and SORT return report text. "+
			"Results are capped at max_records and the server's record limit.",
		func(ctx context.Context, in queryInput) (connection.QueryResult, error) {
			if err := security.CommandValidator.Validate(in.Query); err != nil {
				return connection.QueryResult{}, invalidInput("query: %v", err)
			}
			res, err := d.Manager.ExecuteQuery(ctx, in.Query, in.MaxRecords)
			if err != nil {
				return connection.QueryResult{}, toolError(err)
			}
			return res, nil
		}).ReadOnly().ToTool()
}

// MaxCommandTimeout is the longest deadline execute_command accepts.
const MaxCommandTimeout = time.Hour

type commandInput struct {
	Command        string `json:"command" description:"TCL command" jsonschema:"required,minLength=1"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" description:"Deadline for this command; defaults to the server's query timeout" jsonschema:"minimum=0,maximum=3600"`
}

type commandOutput struct {
	Command string `json:"command"`
	Output  string `json:"output"`
}

func executeCommandTool(d *Deps) mcp.Tool {
	return mcp.NewTypedTool("execute_command",
		"Run a TCL command and return its output. Blocked commands are refused, and so are mutating commands in read-only mode. "+
			"A command that exceeds its deadline resets the session.",
		func(ctx context.Context, in commandInput) (commandOutput, error) {
			if err := security.CommandValidator.Validate(in.Command); err != nil {
				return commandOutput{}, invalidInput("command: %v", err)
			}
			timeout := time.Duration(in.TimeoutSeconds) * time.Second
			out, err := d.Manager.Execute(ctx, in.Command, timeout)
			if err != nil {
				return commandOutput{}, toolError(err)
			}
			return commandOutput{Command: in.Command, Output: out}, nil
		}).Destructive().ToTool()
}
