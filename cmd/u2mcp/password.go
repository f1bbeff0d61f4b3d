package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/u2mcp/pkg/config"
	"github.com/aixgo-dev/u2mcp/pkg/security"
)

func newPasswordCmd(global *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "password",
		Short: "Manage backend passwords in the OS keychain",
	}

	var user, host string
	set := &cobra.Command{
		Use:   "set",
		Short: "Store the backend password for a user and host",
		Long: `Store the backend password in the OS keychain. serve and shell read it
when neither the configuration nor U2_PASSWORD sets one.

The password is read from stdin when it is not a terminal.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" || host == "" {
				cfg, err := config.LoadConfig(global.configFile)
				if err != nil {
					return err
				}
				if user == "" {
					user = cfg.Connection.User
				}
				if host == "" {
					host = cfg.Connection.Host
				}
			}
			if user == "" || host == "" {
				return errors.New("user and host are required (flags, configuration or U2_USER/U2_HOST)")
			}

			secret, err := readPassword(cmd.InOrStdin(), fmt.Sprintf("Password for %s@%s: ", user, host))
			if err != nil {
				return err
			}
			if secret == "" {
				return errors.New("empty password")
			}

			key := config.PasswordKey(user, host)
			if err := config.NewKeyringStore().Set(key, secret); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored password %s for %s\n", security.MaskSecret(secret), key)
			return nil
		},
	}
	set.Flags().StringVar(&user, "user", "", "backend user (defaults to configuration)")
	set.Flags().StringVar(&host, "host", "", "backend host (defaults to configuration)")

	cmd.AddCommand(set)
	return cmd
}

func readPassword(in io.Reader, prompt string) (string, error) {
	if f, ok := in.(*os.File); ok && f == os.Stdin && liner.TerminalSupported() {
		line := liner.NewLiner()
		defer line.Close()
		line.SetCtrlCAborts(true)
		return line.PasswordPrompt(prompt)
	}
	data, err := io.ReadAll(io.LimitReader(in, 4096))
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}
