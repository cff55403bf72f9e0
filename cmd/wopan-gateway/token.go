package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh/terminal"

	"github.com/wopan/gateway/internal/config"
	"github.com/wopan/gateway/internal/tokenpool"
)

func newTokenCmd() *cobra.Command {
	var tokensFile string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage the bearer token pool",
	}
	cmd.PersistentFlags().StringVar(&tokensFile, "tokens-file", "", "Path to tokens.json (overrides WOPAN_TOKENS_FILE)")

	cmd.AddCommand(newTokenAddCmd(&tokensFile))
	cmd.AddCommand(newTokenRemoveCmd(&tokensFile))
	cmd.AddCommand(newTokenListCmd(&tokensFile))

	return cmd
}

func loadPool(tokensFile *string) (*tokenpool.Pool, error) {
	cfg := config.Load()
	path := cfg.TokensFile
	if *tokensFile != "" {
		path = *tokensFile
	}
	return tokenpool.Load(path)
}

func newTokenAddCmd(tokensFile *string) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a bearer token to the pool, prompting securely if not piped",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := loadPool(tokensFile)
			if err != nil {
				return err
			}

			token, err := readToken()
			if err != nil {
				return err
			}
			if token == "" {
				return fmt.Errorf("token must not be empty")
			}

			return pool.Add(token, name)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Friendly label for the token")
	return cmd
}

func newTokenRemoveCmd(tokensFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <token>",
		Short: "Remove a token from the pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := loadPool(tokensFile)
			if err != nil {
				return err
			}
			return pool.Remove(args[0])
		},
	}
}

func newTokenListCmd(tokensFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tokens and their health stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			pool, err := loadPool(tokensFile)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tACTIVE\tSUCCESS RATE\tSUCCESSES\tERRORS\tLAST ERROR")
			for _, s := range pool.Stats() {
				fmt.Fprintf(tw, "%s\t%t\t%.1f%%\t%d\t%d\t%s\n",
					s.Name, s.Active, s.SuccessRate, s.Successes, s.Errors, s.LastError)
			}
			return tw.Flush()
		},
	}
}

// readToken reads a bearer token from stdin. When stdin is a terminal it
// prompts without echo via golang.org/x/crypto/ssh/terminal; otherwise it
// reads a single trimmed line, so the token can be piped in scripts.
func readToken() (string, error) {
	fd := int(os.Stdin.Fd())
	if terminal.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Token: ")
		b, err := terminal.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
