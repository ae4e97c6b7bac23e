package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/xyonrad/sda-go/internal/tokens"
)

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login <login>",
		Short: "Obtain and cache an access token",
		Long: `Authenticate against the CDSE identity endpoint and cache the issued
token locally. Reuses a cached token when it is still valid; use --force
to always request a fresh one. The password is read from stdin without
echo; pass --otp when the account has two-factor auth enabled.`,
		Args: cobra.ExactArgs(1),
		RunE: runLogin,
	}

	cmd.Flags().Bool("force", false, "request a fresh token even if a valid one is cached")
	cmd.Flags().Bool("no-probe", false, "skip the remote probe of a cached token")
	cmd.Flags().String("otp", "", "one-time password for two-factor auth")

	return cmd
}

func runLogin(cmd *cobra.Command, args []string) error {
	login := args[0]
	force, _ := cmd.Flags().GetBool("force")
	noProbe, _ := cmd.Flags().GetBool("no-probe")
	otp, _ := cmd.Flags().GetString("otp")

	secret, err := promptSecret(fmt.Sprintf("Password for %s: ", login))
	if err != nil {
		return err
	}

	ctx, cancel := commandContext()
	defer cancel()

	manager, cleanup, err := openLifecycle(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	var rec *tokens.Record
	if force {
		rec, err = manager.Issue(ctx, login, secret, otp)
	} else {
		rec, err = manager.EnsureValid(ctx, login, secret, otp, !noProbe)
	}

	if err != nil {
		if errors.Is(err, tokens.ErrAuthRejected) {
			return fmt.Errorf("authentication failed for %s — check the password%s",
				login, otpHint(otp))
		}

		return err
	}

	if rec.ExpiresAt != nil {
		statusf("Token for %s valid until %s\n", login, formatTime(*rec.ExpiresAt))
	} else {
		statusf("Token for %s has no expiry\n", login)
	}

	return nil
}

// otpHint suggests two-factor auth when no OTP was supplied.
func otpHint(otp string) string {
	if otp == "" {
		return " (or pass --otp if two-factor auth is enabled)"
	}

	return " and one-time code"
}

// promptSecret reads a secret from the terminal without echo. Falls back
// to a plain line read when stdin is not a terminal (tests, pipes).
func promptSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)

	if term.IsTerminal(int(syscall.Stdin)) {
		secret, err := term.ReadPassword(int(syscall.Stdin))

		fmt.Fprintln(os.Stderr)

		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}

		return string(secret), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading password: %w", err)
	}

	return strings.TrimRight(line, "\r\n"), nil
}
