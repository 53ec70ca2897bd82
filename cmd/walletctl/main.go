// Command walletctl provisions accounts and session tokens for operators.
//
// Usage:
//
//	walletctl create-account -pin 1234
//	walletctl issue-token -account <uuid> [-role admin] [-ttl 24h]
//
// create-account writes to DATABASE_URL; issue-token signs with
// SESSION_SECRET. Both read the environment or a .env file.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/auwntech/walletd/internal/account"
	"github.com/auwntech/walletd/internal/config"
	"github.com/auwntech/walletd/internal/credential"
	"github.com/auwntech/walletd/internal/session"
	"github.com/auwntech/walletd/internal/validation"
	_ "github.com/lib/pq"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "create-account":
		err = createAccount(cfg, os.Args[2:])
	case "issue-token":
		err = issueToken(cfg, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage: walletctl <create-account|issue-token> [flags]")
}

func createAccount(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("create-account", flag.ExitOnError)
	pin := fs.String("pin", "", "4-6 digit PIN")
	_ = fs.Parse(args)

	if !validation.IsValidPIN(*pin) {
		return fmt.Errorf("pin must be 4-6 digits")
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	digest, err := credential.New(credential.DefaultCost).Hash(*pin)
	if err != nil {
		return err
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.StorageTimeout)
	defer cancel()

	store := account.NewPostgresStore(db, account.DefaultLockoutPolicy())
	a := &account.Account{PINHash: digest}
	if err := store.Create(ctx, a); err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	fmt.Println(a.ID)
	return nil
}

func issueToken(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("issue-token", flag.ExitOnError)
	accountID := fs.String("account", "", "account id")
	role := fs.String("role", string(session.RoleUser), "user or admin")
	ttl := fs.Duration("ttl", session.DefaultTTL, "token lifetime")
	_ = fs.Parse(args)

	if !validation.IsValidAccountID(*accountID) {
		return fmt.Errorf("account must be a UUID")
	}
	r := session.Role(*role)
	if r != session.RoleUser && r != session.RoleAdmin {
		return fmt.Errorf("role must be user or admin")
	}
	if *ttl <= 0 || *ttl > 30*24*time.Hour {
		return fmt.Errorf("ttl must be between 0 and 720h")
	}

	token, err := session.NewCodec(cfg.SessionSecret, *ttl).Issue(session.Caller{AccountID: *accountID, Role: r})
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
