package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/u2mcp/pkg/mcp"
	"github.com/aixgo-dev/u2mcp/pkg/security"
)

const shellHelp = `Lines are run as TCL commands; SELECT, SSELECT, QSELECT, LIST and SORT
run as queries. Every line passes the same command policy as MCP clients.

  .tools                 list tools
  .status                show the session
  .call <tool> [json]    call a tool with JSON arguments
  .help                  show this help
  .quit                  leave the shell`

// queryVerbs are sent to execute_query instead of execute_command.
var queryVerbs = map[string]bool{"SELECT": true, "SSELECT": true, "QSELECT": true, "LIST": true, "SORT": true}

func newShellCmd(global *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive TCL shell over the guarded session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(global, nil)
			if err != nil {
				return err
			}
			rt, err := newRuntime(cfg)
			if err != nil {
				return err
			}
			defer rt.close()

			sh := &shell{
				client: mcp.NewLocalClient(rt.server, "shell"),
				out:    cmd.OutOrStdout(),
				prompt: strings.ToLower(cfg.Connection.Account) + "> ",
			}
			return sh.run(cmd.Context())
		},
	}
}

type shell struct {
	client *mcp.LocalClient
	out    io.Writer
	prompt string
	tools  []string
}

func (s *shell) run(ctx context.Context) error {
	tools, err := s.client.ListTools(ctx)
	if err != nil {
		return err
	}
	for _, t := range tools {
		s.tools = append(s.tools, t.Name)
	}

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	line.SetCompleter(s.complete)

	history := historyPath()
	if history != "" {
		if f, err := os.Open(history); err == nil {
			_, _ = line.ReadHistory(f)
			_ = f.Close()
		}
		defer func() {
			if f, err := os.Create(history); err == nil {
				_, _ = line.WriteHistory(f)
				_ = f.Close()
			}
		}()
	}

	fmt.Fprintln(s.out, "u2mcp shell. Type .help for commands.")
	for {
		input, err := line.Prompt(s.prompt)
		if errors.Is(err, liner.ErrPromptAborted) {
			continue
		}
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(s.out)
			return nil
		}
		if err != nil {
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if done := s.handle(ctx, input); done {
			return nil
		}
	}
}

// handle runs one line and reports whether the shell should exit.
func (s *shell) handle(ctx context.Context, input string) bool {
	switch {
	case input == ".quit" || input == ".exit":
		return true
	case input == ".help":
		fmt.Fprintln(s.out, shellHelp)
	case input == ".tools":
		fmt.Fprintln(s.out, strings.Join(s.tools, "\n"))
	case input == ".status":
		s.call(ctx, "list_connections", nil)
	case strings.HasPrefix(input, ".call"):
		name, rawArgs, _ := strings.Cut(strings.TrimSpace(strings.TrimPrefix(input, ".call")), " ")
		if name == "" {
			fmt.Fprintln(s.out, "usage: .call <tool> [json]")
			return false
		}
		var args map[string]any
		if rawArgs = strings.TrimSpace(rawArgs); rawArgs != "" {
			if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
				fmt.Fprintf(s.out, "invalid JSON arguments: %v\n", err)
				return false
			}
		}
		s.call(ctx, name, args)
	case strings.HasPrefix(input, "."):
		fmt.Fprintf(s.out, "unknown command %s; type .help\n", strings.Fields(input)[0])
	default:
		verb := strings.ToUpper(strings.Fields(input)[0])
		if queryVerbs[verb] {
			s.call(ctx, "execute_query", map[string]any{"query": input})
		} else {
			s.call(ctx, "execute_command", map[string]any{"command": input})
		}
	}
	return false
}

func (s *shell) call(ctx context.Context, name string, args map[string]any) {
	res, err := s.client.CallTool(ctx, name, args)
	if err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err)
		return
	}
	for _, c := range res.Content {
		fmt.Fprintln(s.out, shellText(name, c.Text, res.IsError))
	}
}

// shellText prints command output as plain text rather than JSON.
func shellText(tool, text string, isError bool) string {
	if isError || tool != "execute_command" {
		return text
	}
	var out struct {
		Output string `json:"output"`
	}
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		return text
	}
	return strings.TrimRight(security.SanitizeString(out.Output), "\n")
}

func (s *shell) complete(line string) []string {
	if !strings.HasPrefix(line, ".call ") {
		var out []string
		for _, c := range []string{".call ", ".help", ".quit", ".status", ".tools"} {
			if strings.HasPrefix(c, line) {
				out = append(out, c)
			}
		}
		return out
	}
	prefix := strings.TrimPrefix(line, ".call ")
	var out []string
	for _, t := range s.tools {
		if strings.HasPrefix(t, prefix) {
			out = append(out, ".call "+t+" ")
		}
	}
	sort.Strings(out)
	return out
}

func historyPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	dir = filepath.Join(dir, "u2mcp")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return ""
	}
	return filepath.Join(dir, "shell_history")
}
