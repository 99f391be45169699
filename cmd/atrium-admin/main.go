// ABOUTME: Admin CLI for the atrium storage core
// ABOUTME: Initializes the schema, seeds the admin account, and inspects data

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/atriumhq/atrium/internal/config"
	"github.com/atriumhq/atrium/internal/secrets"
	"github.com/atriumhq/atrium/internal/store"
)

// adminConfig is the optional TOML config for this CLI. Everything in it
// can also come from environment variables.
type adminConfig struct {
	DatabasePath string `toml:"database_path"`
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	// .env is a development convenience; missing is fine
	_ = godotenv.Load()

	cfg := loadAdminConfig()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "init":
		err = runInit(cfg)
	case "seed-admin":
		err = runSeedAdmin(cfg, args)
	case "users":
		err = runUsers(cfg)
	case "stats":
		err = runStats(cfg)
	default:
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: atrium-admin <command>

commands:
  init               create or upgrade the database schema
  seed-admin [user]  ensure an admin account exists
  users              list accounts
  stats              show row counts per domain

configuration:
  ATRIUM_DB               database path (default ~/.local/share/atrium/atrium.db)
  ATRIUM_ENCRYPTION_KEY   token encryption key
  ATRIUM_SESSION_SECRET   fallback key material
  ATRIUM_PRODUCTION       set to 1 to refuse development fallbacks
  ~/.config/atrium/admin.toml  optional config file (database_path)`)
}

func loadAdminConfig() adminConfig {
	var cfg adminConfig

	home, err := os.UserHomeDir()
	if err == nil {
		path := filepath.Join(home, ".config", "atrium", "admin.toml")
		if _, statErr := os.Stat(path); statErr == nil {
			if _, decErr := toml.DecodeFile(path, &cfg); decErr != nil {
				color.Yellow("ignoring malformed config %s: %v", path, decErr)
			}
		}
	}

	if v := os.Getenv("ATRIUM_DB"); v != "" {
		cfg.DatabasePath = v
	}
	if cfg.DatabasePath == "" && home != "" {
		cfg.DatabasePath = filepath.Join(home, ".local", "share", "atrium", "atrium.db")
	}
	return cfg
}

func openStore(cfg adminConfig) (*store.SQLiteStore, *config.Config, error) {
	appCfg := config.FromEnv(cfg.DatabasePath)

	cipher, err := secrets.NewCipher(secrets.KeySource{
		EncryptionKey: appCfg.Security.EncryptionKey,
		SessionSecret: appCfg.Security.SessionSecret,
		Production:    appCfg.Security.Production,
	})
	if err != nil {
		return nil, nil, err
	}

	s, err := store.NewSQLiteStore(cfg.DatabasePath, cipher)
	if err != nil {
		return nil, nil, err
	}
	return s, appCfg, nil
}

func runInit(cfg adminConfig) error {
	s, _, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	color.Green("schema ready at %s", cfg.DatabasePath)
	return nil
}

func runSeedAdmin(cfg adminConfig, args []string) error {
	s, appCfg, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	username := appCfg.Admin.Username
	if len(args) > 0 {
		username = args[0]
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.SeedAdmin(ctx, username, appCfg.Admin.Password, appCfg.Security.Production); err != nil {
		return err
	}
	color.Green("admin account present")
	return nil
}

func runUsers(cfg adminConfig) error {
	s, _, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	users, err := s.ListUsers(ctx, 0)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSERNAME\tROLE\tTIER\tACTIVE\tCREATED")
	for _, u := range users {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%v\t%s\n",
			u.ID, u.Username, u.Role, u.Tier, u.IsActive, u.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runStats(cfg adminConfig) error {
	s, _, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	admins, err := s.CountAdmins(ctx)
	if err != nil {
		return err
	}
	actions, err := s.DistinctAuditActions(ctx)
	if err != nil {
		return err
	}

	bold := color.New(color.Bold)
	bold.Println("atrium store")
	fmt.Printf("  database:      %s\n", cfg.DatabasePath)
	fmt.Printf("  active admins: %d\n", admins)
	fmt.Printf("  audit actions: %d distinct\n", len(actions))
	return nil
}
