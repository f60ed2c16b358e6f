package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"changegate/internal/config"
	"changegate/internal/logging"
	"changegate/migrations"
)

func main() {
	logging.Init("changegate-migrate", nil)
	if err := run(os.Args[1:]); err != nil {
		slog.Error("migrate failed", "error", err)
		os.Exit(1)
	}
}

var openDB = func(dsn string) (*sql.DB, error) { return sql.Open("postgres", dsn) }

// apply runs one goose action; the embedded schema is used unless dir is set.
var apply = func(db *sql.DB, action, dir string) error {
	if dir == "" {
		goose.SetBaseFS(migrations.EmbeddedFS)
		dir = "."
	} else {
		goose.SetBaseFS(nil)
	}
	switch action {
	case "up":
		return goose.Up(db, dir)
	case "down":
		return goose.Down(db, dir)
	case "status":
		return goose.Status(db, dir)
	case "version":
		v, err := goose.GetDBVersion(db)
		if err != nil {
			return err
		}
		slog.Info("schema version", "version", v)
		return nil
	case "redo":
		return goose.Redo(db, dir)
	default:
		return fmt.Errorf("unknown action %q", action)
	}
}

var actions = map[string]bool{"up": true, "down": true, "status": true, "version": true, "redo": true}

func run(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	dsn := fs.String("dsn", "", "postgres DSN")
	configPath := fs.String("config", "", "read storage.postgres_dsn from this config JSON")
	dir := fs.String("dir", "", "migrations dir on disk; embedded migrations when empty")
	action := fs.String("action", "", "up/down/status/version/redo")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*dsn) == "" && *configPath != "" {
		cfg, err := config.LoadConfig(*configPath)
		if err != nil {
			return err
		}
		*dsn = cfg.Storage.PostgresDSN
	}
	if strings.TrimSpace(*dsn) == "" {
		return errors.New("dsn required")
	}
	if strings.TrimSpace(*action) == "" {
		return errors.New("action required")
	}
	if !actions[*action] {
		return fmt.Errorf("unknown action %q", *action)
	}

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	db, err := openDB(*dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("running migrations", "action", *action, "embedded", *dir == "")
	return apply(db, *action, *dir)
}
