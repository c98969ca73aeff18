// Package minedeskcli implements the minedesk command: environment setup,
// running the servers, company and user administration, and database
// backups.
package minedeskcli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/phillip-england/minedesk/internal/apiapp"
	"github.com/phillip-england/minedesk/internal/clientapp"
	"github.com/phillip-england/minedesk/internal/envutil"
	"github.com/phillip-england/minedesk/internal/logging"
	"github.com/phillip-england/minedesk/internal/security"
)

var ErrUsage = errors.New("usage")

const defaultEnvFile = ".env"

// runtimeConfig holds the settings shared by every command.
type runtimeConfig struct {
	DBPath    string `env:"DB_PATH" envDefault:"data/minedesk.db"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

func loadRuntime(envFile string) (runtimeConfig, error) {
	if err := envutil.LoadDotEnv(envFile); err != nil {
		return runtimeConfig{}, fmt.Errorf("load %s: %w", envFile, err)
	}
	var cfg runtimeConfig
	if err := envutil.Parse(&cfg); err != nil {
		return runtimeConfig{}, err
	}
	return cfg, nil
}

func Execute(args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return execute(ctx, args, os.Stdout)
}

func execute(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 1 {
		return usageError()
	}

	switch args[0] {
	case "setup":
		return runSetup(args[1:], out)
	case "run":
		return runCommand(ctx, args[1:])
	case "company":
		return runCompany(ctx, args[1:], out)
	case "user":
		return runUser(ctx, args[1:], out)
	case "backup":
		return runBackup(ctx, args[1:], out)
	case "restore":
		return runRestore(args[1:], out)
	case "help", "-h", "--help":
		PrintUsage(out)
		return nil
	default:
		return usageError()
	}
}

func usageError() error {
	return fmt.Errorf("%w: minedesk <setup|run|company|user|backup|restore> [...]", ErrUsage)
}

func PrintUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: minedesk setup --company <name> --admin-email <email> --admin-password <password> [--force]")
	fmt.Fprintln(w, "       minedesk run api|client|all")
	fmt.Fprintln(w, "       minedesk company add <name>")
	fmt.Fprintln(w, "       minedesk company activate|deactivate <id|name>")
	fmt.Fprintln(w, "       minedesk company list")
	fmt.Fprintln(w, "       minedesk user add --email <email> --password <password> [--company <id|name>] [--role member]")
	fmt.Fprintln(w, "       minedesk backup [--out <file.db.xz>]")
	fmt.Fprintln(w, "       minedesk restore --from <file.db.xz> [--db <path>] [--force]")
}

func runSetup(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("setup", flag.ContinueOnError)
	fs.SetOutput(out)
	company := fs.String("company", "", "name of the first company")
	adminEmail := fs.String("admin-email", "", "email of the company owner")
	adminPass := fs.String("admin-password", "", "owner password (min 12 chars)")
	dbPath := fs.String("db", "data/minedesk.db", "sqlite database path")
	envPath := fs.String("env-file", defaultEnvFile, "path to .env file")
	force := fs.Bool("force", false, "overwrite existing env file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if strings.TrimSpace(*company) == "" || strings.TrimSpace(*adminEmail) == "" {
		return fmt.Errorf("%w: --company and --admin-email are required", ErrUsage)
	}
	if *adminPass == "" {
		return fmt.Errorf("%w: --admin-password is required", ErrUsage)
	}
	if _, err := security.HashPassword(*adminPass); err != nil {
		return fmt.Errorf("invalid admin password: %w", err)
	}
	secret, err := security.RandomToken(32)
	if err != nil {
		return err
	}

	values := map[string]string{
		"API_ADDR":             ":8080",
		"CLIENT_ADDR":          ":3000",
		"API_BASE_URL":         "http://localhost:8080",
		"DB_PATH":              *dbPath,
		"SESSION_TTL":          "12h",
		"STREAM_TICKET_SECRET": secret,
		"BOOTSTRAP_TIMEOUT":    "180s",
		"LOGIN_RATE":           "0.2",
		"LOGIN_BURST":          "5",
		"SEED_COMPANY_NAME":    strings.TrimSpace(*company),
		"SEED_ADMIN_EMAIL":     strings.TrimSpace(*adminEmail),
		"SEED_ADMIN_PASSWORD":  *adminPass,
		"LOG_LEVEL":            "info",
		"LOG_FORMAT":           "json",
	}

	if err := envutil.WriteDotEnv(*envPath, values, *force); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %s\n", *envPath)
	return nil
}

func runCommand(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("%w: missing run target: api | client | all", ErrUsage)
	}

	rc, err := loadRuntime(defaultEnvFile)
	if err != nil {
		return err
	}

	switch args[0] {
	case "api":
		return ignoreCanceled(runAPI(ctx, rc))
	case "client":
		return ignoreCanceled(runClient(ctx, rc))
	case "all":
		return runAll(ctx, rc)
	default:
		return fmt.Errorf("%w: unknown run target %q", ErrUsage, args[0])
	}
}

func runAPI(ctx context.Context, rc runtimeConfig) error {
	cfg, err := apiapp.ConfigFromEnv()
	if err != nil {
		return err
	}
	log := logging.New("minedesk-api", rc.LogLevel, rc.LogFormat)
	slog.SetDefault(log)
	return apiapp.Run(ctx, cfg, log)
}

func runClient(ctx context.Context, rc runtimeConfig) error {
	cfg, err := clientapp.ConfigFromEnv()
	if err != nil {
		return err
	}
	log := logging.New("minedesk-client", rc.LogLevel, rc.LogFormat)
	return clientapp.Run(ctx, cfg, log)
}

// runAll runs both servers until either fails or ctx ends.
func runAll(ctx context.Context, rc runtimeConfig) error {
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(runAPI(gCtx, rc)) })
	g.Go(func() error {
		select {
		case <-gCtx.Done():
			return nil
		case <-time.After(500 * time.Millisecond):
		}
		return ignoreCanceled(runClient(gCtx, rc))
	})
	return g.Wait()
}

func ignoreCanceled(err error) error {
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
