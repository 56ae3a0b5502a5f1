package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/matterly/internal/auth"
	"github.com/smallbiznis/matterly/internal/clock"
	"github.com/smallbiznis/matterly/internal/config"
	"github.com/smallbiznis/matterly/internal/migration"
	"github.com/smallbiznis/matterly/internal/observability"
	"github.com/smallbiznis/matterly/internal/server"
	"github.com/smallbiznis/matterly/pkg/db"
	"go.uber.org/fx"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := issueToken(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// HTTP server and the domains it serves
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

// issueToken prints a bearer token for a user id, for local development.
func issueToken(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: matterly token <user-id> [ttl]")
	}
	userID, err := snowflake.ParseString(args[0])
	if err != nil {
		return fmt.Errorf("invalid user id %q: %w", args[0], err)
	}
	ttl := 24 * time.Hour
	if len(args) > 1 {
		hours, err := strconv.Atoi(args[1])
		if err != nil || hours <= 0 {
			return fmt.Errorf("invalid ttl hours %q", args[1])
		}
		ttl = time.Duration(hours) * time.Hour
	}

	tokens, err := auth.NewTokenVerifier(config.Load())
	if err != nil {
		return err
	}
	token, err := tokens.Issue(userID, ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
