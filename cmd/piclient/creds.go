package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/kryptograf/keymgmt"
	"pkt.systems/piclient/internal/appconfig"
	"pkt.systems/piclient/internal/credstore"
	"pkt.systems/pslog"
)

func newCredsCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "creds",
		Short: "Manage saved server credentials",
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file")

	cmd.AddCommand(newCredsSetCmd(&cfgPath))
	cmd.AddCommand(newCredsShowCmd(&cfgPath))
	cmd.AddCommand(newCredsResetCmd(&cfgPath))

	return cmd
}

func newCredsSetCmd(cfgPath *string) *cobra.Command {
	var passwordFromStdin bool
	cmd := &cobra.Command{
		Use:   "set <host>",
		Short: "Save the server host and password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(*cfgPath)
			if err != nil {
				return err
			}
			store, err := openCredStore(cmd, cfg)
			if err != nil {
				return err
			}
			password, err := readPassword(cmd, bufio.NewReader(cmd.InOrStdin()), passwordFromStdin)
			if err != nil {
				return err
			}
			creds := credstore.Credentials{Host: args[0], Password: password}
			if err := store.Save(creds); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "saved credentials for %s\n", strings.TrimSpace(args[0]))
			return nil
		},
	}
	cmd.Flags().BoolVar(&passwordFromStdin, "password-from-stdin", false, "read password from the first line of stdin")
	return cmd
}

func newCredsShowCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show saved credentials with the password masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(*cfgPath)
			if err != nil {
				return err
			}
			store, err := openCredStore(cmd, cfg)
			if err != nil {
				return err
			}
			creds, err := store.Load()
			if errors.Is(err, credstore.ErrNotFound) {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no saved credentials")
				return nil
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "host: %s\n", creds.Host)
			_, _ = fmt.Fprintf(out, "password: %s\n", maskPassword(creds.Password))
			return nil
		},
	}
}

func newCredsResetCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Forget saved credentials and rotate the store key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(*cfgPath)
			if err != nil {
				return err
			}
			store, err := openCredStore(cmd, cfg)
			if err != nil {
				return err
			}
			if err := store.Reset(); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "credentials reset")
			return nil
		},
	}
}

func openCredStore(cmd *cobra.Command, cfg appconfig.Config) (*credstore.Store, error) {
	return credstore.NewStoreWithLogger(cfg.Credentials.KeystorePath, cfg.Credentials.StorePath, pslog.Ctx(cmd.Context()))
}

// readPassword takes the first line of in when fromStdin is set and prompts
// otherwise. in keeps any remaining input for the caller.
func readPassword(cmd *cobra.Command, in *bufio.Reader, fromStdin bool) (string, error) {
	if fromStdin {
		line, err := in.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		pass := strings.TrimRight(line, "\r\n")
		if pass == "" {
			return "", errors.New("password from stdin is empty")
		}
		return pass, nil
	}
	passphrase, err := keymgmt.PromptPassphrase(in, "Password: ", cmd.ErrOrStderr())
	if err != nil {
		return "", err
	}
	if len(passphrase) == 0 {
		return "", errors.New("password is empty")
	}
	return string(passphrase), nil
}

func maskPassword(password string) string {
	switch n := len(password); {
	case n == 0:
		return ""
	case n <= 2:
		return strings.Repeat("*", n)
	default:
		return password[:1] + strings.Repeat("*", n-2) + password[n-1:]
	}
}
