package minedeskcli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/phillip-england/minedesk/internal/logging"
	"github.com/phillip-england/minedesk/internal/security"
	"github.com/phillip-england/minedesk/internal/store"
)

// openStore opens the database named by --db, falling back to DB_PATH.
func openStore(ctx context.Context, dbFlag, envFile string) (*store.Store, error) {
	rc, err := loadRuntime(envFile)
	if err != nil {
		return nil, err
	}
	path := rc.DBPath
	if dbFlag != "" {
		path = dbFlag
	}
	return store.Open(ctx, path, logging.Discard())
}

func runCompany(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 1 {
		return fmt.Errorf("%w: minedesk company <add|activate|deactivate|list>", ErrUsage)
	}
	action := args[0]

	fs := flag.NewFlagSet("company "+action, flag.ContinueOnError)
	fs.SetOutput(out)
	dbPath := fs.String("db", "", "sqlite database path (defaults to DB_PATH)")
	envPath := fs.String("env-file", defaultEnvFile, "path to .env file")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	ref := strings.TrimSpace(strings.Join(fs.Args(), " "))

	switch action {
	case "add", "activate", "deactivate":
		if ref == "" {
			return fmt.Errorf("%w: minedesk company %s <name>", ErrUsage, action)
		}
	case "list":
	default:
		return fmt.Errorf("%w: unknown company action %q", ErrUsage, action)
	}

	st, err := openStore(ctx, *dbPath, *envPath)
	if err != nil {
		return err
	}
	defer st.Close()

	switch action {
	case "add":
		t, err := st.CreateCompany(ctx, ref)
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				return fmt.Errorf("company %q already exists", ref)
			}
			return err
		}
		fmt.Fprintf(out, "created company %s (%s)\n", t.Name, t.ID)
	case "activate", "deactivate":
		t, err := st.FindCompany(ctx, ref)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("company %q not found", ref)
			}
			return err
		}
		active := action == "activate"
		if err := st.SetCompanyActive(ctx, t.ID, active); err != nil {
			return err
		}
		fmt.Fprintf(out, "%sd company %s\n", action, t.Name)
	case "list":
		companies, err := st.ListCompanies(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tACTIVE")
		for _, t := range companies {
			fmt.Fprintf(tw, "%s\t%s\t%t\n", t.ID, t.Name, t.Active)
		}
		return tw.Flush()
	}
	return nil
}

func runUser(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 1 || args[0] != "add" {
		return fmt.Errorf("%w: minedesk user add --email <email> --password <password>", ErrUsage)
	}

	fs := flag.NewFlagSet("user add", flag.ContinueOnError)
	fs.SetOutput(out)
	email := fs.String("email", "", "sign-in email")
	password := fs.String("password", "", "password (min 12 chars)")
	company := fs.String("company", "", "company id or name to link the user to")
	role := fs.String("role", "member", "role within the company")
	dbPath := fs.String("db", "", "sqlite database path (defaults to DB_PATH)")
	envPath := fs.String("env-file", defaultEnvFile, "path to .env file")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}
	if strings.TrimSpace(*email) == "" || *password == "" {
		return fmt.Errorf("%w: --email and --password are required", ErrUsage)
	}
	hash, err := security.HashPassword(*password)
	if err != nil {
		return fmt.Errorf("invalid password: %w", err)
	}

	st, err := openStore(ctx, *dbPath, *envPath)
	if err != nil {
		return err
	}
	defer st.Close()

	companyID := ""
	if ref := strings.TrimSpace(*company); ref != "" {
		t, err := st.FindCompany(ctx, ref)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("company %q not found", ref)
			}
			return err
		}
		companyID = t.ID
	}

	u, err := st.CreateUser(ctx, *email, hash)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("user %q already exists", *email)
		}
		return err
	}
	if err := st.UpsertProfile(ctx, u.ID, companyID, *role); err != nil {
		return err
	}

	if companyID == "" {
		fmt.Fprintf(out, "created user %s without a company\n", u.Email)
		return nil
	}
	fmt.Fprintf(out, "created user %s (%s)\n", u.Email, *role)
	return nil
}
