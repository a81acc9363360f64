package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/arcward/ambassador/ambassador"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gorm.io/gorm"
)

const maxPasswordAttempts = 3

var errPasswordMismatch = errors.New("passwords did not match")

// readPassword reads a password without echoing it. Tests replace it.
var readPassword = func() ([]byte, error) {
	return term.ReadPassword(int(os.Stdin.Fd()))
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the database, set admin credentials and seed the catalog",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		db, err := openDatabase(cmd)
		if err != nil {
			return err
		}

		state, err := loadRuntimeConfig(db)
		if err != nil {
			return err
		}

		if state.AdminUsername != "" && state.AdminPassword != "" {
			fmt.Fprintln(out, "Admin credentials are already set.")
		} else {
			fmt.Fprintln(out, "No admin credentials found, please create them.")
			username, password, e := promptCredentials(cmd.InOrStdin(), out, readPassword)
			if e != nil {
				return e
			}
			hashed, e := ambassador.HashPassword(password)
			if e != nil {
				return fmt.Errorf("error hashing password: %w", e)
			}
			e = db.Model(&state).Updates(
				map[string]any{"admin_username": username, "admin_password": hashed},
			).Error
			if e != nil {
				return fmt.Errorf("error saving admin credentials: %w", e)
			}
			fmt.Fprintf(out, "Saved credentials for %q.\n", username)
		}

		result, err := ambassador.SeedCatalog(ctx, db, cfg.DatabaseType)
		if err != nil {
			return fmt.Errorf("error seeding catalog: %w", err)
		}
		printSeedResult(out, result)
		fmt.Fprintln(out, "Done. Start the bot with 'ambassador run'.")
		return nil
	},
}

// openDatabase creates and migrates the configured database
func openDatabase(cmd *cobra.Command) (*gorm.DB, error) {
	prefix := envPrefix()
	switch {
	case cfg.DatabaseType == "":
		return nil, fmt.Errorf("%s_DATABASE_TYPE must be 'sqlite' or 'postgres'", prefix)
	case cfg.Database == "":
		return nil, fmt.Errorf(
			"%s_DATABASE must be a postgres connection string or sqlite file path",
			prefix,
		)
	}
	db, err := ambassador.CreateDB(cmd.Context(), cfg.DatabaseType, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("error creating database: %w", err)
	}
	return db, nil
}

// loadRuntimeConfig returns the latest runtime config row, creating the
// defaults if there isn't one
func loadRuntimeConfig(db *gorm.DB) (ambassador.RuntimeConfig, error) {
	var state ambassador.RuntimeConfig
	err := db.Last(&state).Error
	switch {
	case err == nil:
		return state, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		state = ambassador.DefaultRuntimeConfig()
		if err = db.Create(&state).Error; err != nil {
			return state, fmt.Errorf("error creating runtime config: %w", err)
		}
		return state, nil
	default:
		return state, fmt.Errorf("error loading runtime config: %w", err)
	}
}

// promptCredentials asks for a username on in, then a password (twice)
// via readPass
func promptCredentials(
	in io.Reader,
	out io.Writer,
	readPass func() ([]byte, error),
) (username string, password string, err error) {
	scanner := bufio.NewScanner(in)
	for username == "" {
		fmt.Fprint(out, "Admin username: ")
		if !scanner.Scan() {
			return "", "", errors.New("no username entered")
		}
		username = strings.TrimSpace(scanner.Text())
	}

	for range maxPasswordAttempts {
		fmt.Fprint(out, "Admin password: ")
		first, e := readPass()
		fmt.Fprintln(out)
		if e != nil {
			return "", "", fmt.Errorf("error reading password: %w", e)
		}
		fmt.Fprint(out, "Confirm password: ")
		second, e := readPass()
		fmt.Fprintln(out)
		if e != nil {
			return "", "", fmt.Errorf("error reading password: %w", e)
		}
		if string(first) == string(second) {
			return username, string(first), nil
		}
		fmt.Fprintln(out, "Passwords don't match, try again.")
	}
	return "", "", errPasswordMismatch
}

func printSeedResult(out io.Writer, result ambassador.SeedResult) {
	fmt.Fprintf(
		out,
		"Seeded %d species, %d colours and %d transformations.\n",
		result.Species,
		result.Colours,
		result.Transformations,
	)
}

func init() {
	rootCmd.AddCommand(initCmd)
}
