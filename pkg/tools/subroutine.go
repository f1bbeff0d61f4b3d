package tools

import (
	"context"

	"github.com/aixgo-dev/u2mcp/pkg/connection"
	"github.com/aixgo-dev/u2mcp/pkg/mcp"
	"github.com/aixgo-dev/u2mcp/pkg/security"
)

type callSubroutineOutput struct {
	Status     string   `json:"status"`
	Subroutine string   `json:"subroutine"`
	ArgsIn     []string `json:"args_in"`
	ArgsOut    []string `json:"args_out"`
	NumArgs    int      `json:"num_args"`
}

// call_subroutine distinguishes an absent num_args from zero, so it reads
// its arguments directly.
func callSubroutineTool(d *Deps) mcp.Tool {
	return mcp.Tool{
		Name: "call_subroutine",
		Description: "Call a cataloged BASIC subroutine. Arguments are passed by reference and returned after the call. " +
			"num_args is the total the subroutine expects and defaults to the number of args; extra arguments start empty.",
		Schema: mcp.Schema{
			"name":     {Type: "string", Description: "Cataloged subroutine name", Required: true, MinLength: 1, MaxLength: 255},
			"args":     {Type: "array", Description: "Input argument values, as strings"},
			"num_args": {Type: "integer", Description: "Total number of subroutine arguments", Minimum: ptr(0.0), Maximum: ptr(float64(security.MaxSubroutineArgs))},
		},
		Annotations: mcp.ToolAnnotations{DestructiveHint: true},
		Handler: func(ctx context.Context, args mcp.Args) (any, error) {
			name, err := args.ValidatedString("name", security.FileNameValidator)
			if err != nil {
				return nil, invalidInput("%v", err)
			}
			in, err := args.Strings("args")
			if err != nil {
				return nil, invalidInput("%v", err)
			}
			if in == nil {
				in = []string{}
			}
			numArgs, err := args.ValidatedInt("num_args", len(in), security.NumArgsValidator)
			if err != nil {
				return nil, invalidInput("%v", err)
			}
			if len(in) > security.MaxSubroutineArgs {
				return nil, invalidInput("at most %d args are allowed", security.MaxSubroutineArgs)
			}
			if numArgs < len(in) {
				return nil, invalidInput("num_args (%d) cannot be less than args length (%d)", numArgs, len(in))
			}

			out, err := d.Manager.CallSubroutine(ctx, name, in, numArgs)
			if err != nil {
				return nil, toolError(err)
			}
			return callSubroutineOutput{
				Status:     "success",
				Subroutine: name,
				ArgsIn:     in,
				ArgsOut:    out,
				NumArgs:    numArgs,
			}, nil
		},
	}
}

type catalogInput struct {
	Pattern string `json:"pattern,omitempty" description:"Program name pattern, * is a wildcard; defaults to all programs" jsonschema:"maxLength=255"`
}

func listCatalogTool(d *Deps) mcp.Tool {
	return mcp.NewTypedTool("list_catalog",
		"List cataloged programs matching a pattern. These can be called with call_subroutine.",
		func(ctx context.Context, in catalogInput) (connection.CatalogResult, error) {
			res, err := d.Manager.ListCatalog(ctx, in.Pattern)
			if err != nil {
				return connection.CatalogResult{}, toolError(err)
			}
			return res, nil
		}).ReadOnly().ToTool()
}
