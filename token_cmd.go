package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/xyonrad/sda-go/internal/tokens"
)

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Inspect and manage cached tokens",
	}

	cmd.AddCommand(newTokenListCmd())
	cmd.AddCommand(newTokenShowCmd())
	cmd.AddCommand(newTokenRevokeCmd())
	cmd.AddCommand(newTokenPurgeCmd())

	return cmd
}

func newTokenListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached tokens, newest first",
		RunE:  runTokenList,
	}

	cmd.Flags().String("login", "", "only show tokens for this login")

	return cmd
}

func newTokenShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Display one token record",
		Args:  cobra.ExactArgs(1),
		RunE:  runTokenShow,
	}
}

func newTokenRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke cached tokens",
		Long: `Mark tokens revoked so they are never returned as valid again.
Revoking an already-revoked token is a no-op. Pass --id for a single
token or --login for every live token of an account.`,
		RunE: runTokenRevoke,
	}

	cmd.Flags().Int64("id", 0, "token record ID to revoke")
	cmd.Flags().String("login", "", "revoke all live tokens for this login")

	return cmd
}

func newTokenPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete revoked and expired token records",
		RunE:  runTokenPurge,
	}
}

// tokenRow is the JSON shape for token list/show output.
type tokenRow struct {
	ID        int64  `json:"id"`
	Login     string `json:"login"`
	TokenType string `json:"token_type,omitempty"`
	Scope     string `json:"scope,omitempty"`
	IssuedAt  string `json:"issued_at"`
	ExpiresAt string `json:"expires_at,omitempty"`
	State     string `json:"state"`
}

func runTokenList(cmd *cobra.Command, _ []string) error {
	login, _ := cmd.Flags().GetString("login")

	ctx, cancel := commandContext()
	defer cancel()

	manager, cleanup, err := openLifecycle(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	records, err := manager.List(ctx, login)
	if err != nil {
		return err
	}

	rows := make([]tokenRow, 0, len(records))
	for i := range records {
		rows = append(rows, buildTokenRow(manager, &records[i]))
	}

	if flagJSON {
		return json.NewEncoder(os.Stdout).Encode(rows)
	}

	if len(rows) == 0 {
		statusf("No tokens cached. Run 'sda-go login' to get started.\n")
		return nil
	}

	table := make([][]string, 0, len(rows))
	for _, r := range rows {
		expires := "never"
		if r.ExpiresAt != "" {
			expires = r.ExpiresAt
		}

		table = append(table, []string{
			strconv.FormatInt(r.ID, 10), r.Login, r.State, r.IssuedAt, expires,
		})
	}

	printTable(os.Stdout, []string{"ID", "LOGIN", "STATE", "ISSUED", "EXPIRES"}, table)

	return nil
}

func runTokenShow(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid token ID %q", args[0])
	}

	ctx, cancel := commandContext()
	defer cancel()

	manager, cleanup, err := openLifecycle(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	rec, err := manager.ByID(ctx, id)
	if err != nil {
		return err
	}

	if rec == nil {
		return fmt.Errorf("no token with ID %d", id)
	}

	row := buildTokenRow(manager, rec)

	if flagJSON {
		return json.NewEncoder(os.Stdout).Encode(row)
	}

	fmt.Printf("ID:      %d\n", row.ID)
	fmt.Printf("Login:   %s\n", row.Login)
	fmt.Printf("State:   %s\n", row.State)
	fmt.Printf("Type:    %s\n", row.TokenType)
	fmt.Printf("Scope:   %s\n", row.Scope)
	fmt.Printf("Issued:  %s\n", row.IssuedAt)

	if row.ExpiresAt != "" {
		fmt.Printf("Expires: %s\n", row.ExpiresAt)
	} else {
		fmt.Printf("Expires: never\n")
	}

	return nil
}

func runTokenRevoke(cmd *cobra.Command, _ []string) error {
	id, _ := cmd.Flags().GetInt64("id")
	login, _ := cmd.Flags().GetString("login")

	if (id == 0) == (login == "") {
		return fmt.Errorf("pass exactly one of --id or --login")
	}

	ctx, cancel := commandContext()
	defer cancel()

	manager, cleanup, err := openLifecycle(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if id != 0 {
		if err := manager.RevokeByID(ctx, id); err != nil {
			return err
		}

		statusf("Token %d revoked\n", id)

		return nil
	}

	count, err := manager.Revoke(ctx, login)
	if err != nil {
		return err
	}

	statusf("Revoked %d token(s) for %s\n", count, login)

	return nil
}

func runTokenPurge(_ *cobra.Command, _ []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	manager, cleanup, err := openLifecycle(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	count, err := manager.PurgeExpired(ctx)
	if err != nil {
		return err
	}

	statusf("Purged %d token record(s)\n", count)

	return nil
}

// Token state labels for display.
const (
	tokenStateValid   = "valid"
	tokenStateExpired = "expired"
	tokenStateRevoked = "revoked"
)

// buildTokenRow converts a record to its display shape.
func buildTokenRow(manager *tokens.Manager, rec *tokens.Record) tokenRow {
	state := tokenStateValid

	switch {
	case rec.IsRevoked:
		state = tokenStateRevoked
	case manager.IsExpired(rec):
		state = tokenStateExpired
	}

	row := tokenRow{
		ID:        rec.ID,
		Login:     rec.Login,
		TokenType: rec.TokenType,
		Scope:     rec.Scope,
		IssuedAt:  formatTime(rec.IssuedAt),
		State:     state,
	}

	if rec.ExpiresAt != nil {
		row.ExpiresAt = formatTime(*rec.ExpiresAt)
	}

	return row
}
