package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/EternisAI/silo-broker/internal/auth"
	"github.com/EternisAI/silo-broker/internal/db"
	"github.com/EternisAI/silo-broker/internal/store"
)

const commandTimeout = 30 * time.Second

func runToken(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: token <issue|expire> [flags]")
	}

	switch args[0] {
	case "issue":
		return runTokenIssue(args[1:])
	case "expire":
		return runTokenExpire(args[1:])
	default:
		return fmt.Errorf("unknown token command %q (valid: issue, expire)", args[0])
	}
}

func runTokenIssue(args []string) error {
	fs := flag.NewFlagSet("token issue", flag.ExitOnError)
	tenant := fs.String("tenant", "", "Tenant the token is bound to")
	domain := fs.String("domain", "", "User store domain the token is bound to")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *tenant == "" {
		return fmt.Errorf("--tenant is required")
	}
	if *domain == "" {
		return fmt.Errorf("--domain is required")
	}

	return withStore(func(ctx context.Context, st store.Store) error {
		at, err := st.Tokens().Issue(ctx, *tenant, *domain)
		if err != nil {
			return err
		}
		fmt.Println(at.Token)
		return nil
	})
}

func runTokenExpire(args []string) error {
	fs := flag.NewFlagSet("token expire", flag.ExitOnError)
	token := fs.String("token", "", "Access token to expire")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *token == "" {
		return fmt.Errorf("--token is required")
	}

	return withStore(func(ctx context.Context, st store.Store) error {
		if err := st.Tokens().Expire(ctx, *token); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("access token not found")
			}
			return err
		}
		fmt.Println("access token expired")
		return nil
	})
}

func runAdminToken(args []string) error {
	fs := flag.NewFlagSet("admin-token", flag.ExitOnError)
	subject := fs.String("subject", "", "Operator name recorded in the token")
	role := fs.String("role", auth.RoleAdmin, "Role granted by the token (admin, viewer)")
	ttl := fs.Duration("ttl", 0, "Token lifetime (defaults to auth.ttl)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *subject == "" {
		return fmt.Errorf("--subject is required")
	}

	cfg := config.Auth
	if *ttl > 0 {
		cfg.TTL = *ttl
	}

	token, err := auth.GenerateToken(cfg, *subject, *role)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func withStore(fn func(ctx context.Context, st store.Store) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := db.RunMigrations(config.DB.Driver, config.DB.Url, config.DB.Schema); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	st, err := db.OpenStore(ctx, config.DB)
	if err != nil {
		return err
	}
	defer st.Close()

	return fn(ctx, st)
}
