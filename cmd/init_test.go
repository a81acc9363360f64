package cmd

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/arcward/ambassador/ambassador"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// passwordQueue returns a readPassword replacement yielding each value once
func passwordQueue(passwords ...string) func() ([]byte, error) {
	return func() ([]byte, error) {
		if len(passwords) == 0 {
			return nil, errors.New("no more passwords")
		}
		next := passwords[0]
		passwords = passwords[1:]
		return []byte(next), nil
	}
}

func TestPromptCredentials(t *testing.T) {
	t.Run(
		"retries mismatched passwords", func(t *testing.T) {
			var out bytes.Buffer
			username, password, err := promptCredentials(
				strings.NewReader("\n  admin  \n"),
				&out,
				passwordQueue("one", "two", "hunter2", "hunter2"),
			)
			require.NoError(t, err)
			assert.Equal(t, "admin", username, "blank lines are skipped")
			assert.Equal(t, "hunter2", password)
			assert.Equal(t, 1, strings.Count(out.String(), "don't match"))
		},
	)

	t.Run(
		"gives up after repeated mismatches", func(t *testing.T) {
			_, _, err := promptCredentials(
				strings.NewReader("admin\n"),
				&bytes.Buffer{},
				passwordQueue("a", "b", "c", "d", "e", "f"),
			)
			assert.ErrorIs(t, err, errPasswordMismatch)
		},
	)

	t.Run(
		"no username", func(t *testing.T) {
			_, _, err := promptCredentials(strings.NewReader(""), &bytes.Buffer{}, passwordQueue())
			assert.Error(t, err)
		},
	)

	t.Run(
		"read error", func(t *testing.T) {
			_, _, err := promptCredentials(strings.NewReader("admin\n"), &bytes.Buffer{}, passwordQueue())
			assert.Error(t, err)
		},
	)
}

func TestInitCommand(t *testing.T) {
	resetConfig(t)
	dbPath := filepath.Join(t.TempDir(), "nested", "test.db")
	t.Setenv(ambassador.EnvvarSetEnvPrefix, "")
	t.Setenv("AMB_DATABASE_TYPE", "sqlite")
	t.Setenv("AMB_DATABASE", dbPath)

	originalReader := readPassword
	t.Cleanup(func() { readPassword = originalReader })
	readPassword = passwordQueue("testpassword", "testpassword")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader("testadmin\n"))
	t.Cleanup(
		func() {
			rootCmd.SetOut(nil)
			rootCmd.SetErr(nil)
			rootCmd.SetIn(nil)
		},
	)

	rootCmd.SetArgs([]string{"init"})
	require.NoError(t, rootCmd.Execute())

	_, err := os.Stat(dbPath)
	require.NoError(t, err, "database file and its directory are created")

	output := out.String()
	t.Logf("output: %s", output)
	assert.Contains(t, output, "No admin credentials found")
	assert.Contains(t, output, "Admin username:")
	assert.Contains(t, output, "Confirm password:")
	assert.Contains(t, output, `Saved credentials for "testadmin"`)
	assert.Contains(t, output, "Seeded")
	assert.Contains(t, output, "ambassador run")

	db, err := gorm.Open(sqlite.Open(dbPath))
	require.NoError(t, err)
	t.Cleanup(
		func() {
			if sqlDB, _ := db.DB(); sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	var state ambassador.RuntimeConfig
	require.NoError(t, db.First(&state).Error)
	assert.Equal(t, "testadmin", state.AdminUsername)
	assert.NotEqual(t, "testpassword", state.AdminPassword)
	valid, err := ambassador.VerifyPassword(state.AdminPassword, "testpassword")
	require.NoError(t, err)
	assert.True(t, valid)

	mg := db.Migrator()
	for _, model := range []any{
		&ambassador.RuntimeConfig{},
		&ambassador.InteractionLog{},
		&ambassador.User{},
		&ambassador.Server{},
		&ambassador.Character{},
		&ambassador.Species{},
		&ambassador.Colour{},
		&ambassador.Transformation{},
		&ambassador.UserWarning{},
		&ambassador.UserBan{},
		&ambassador.UserNote{},
		&ambassador.AutoroleConfiguration{},
		&ambassador.Roleplay{},
		&ambassador.RoleplayMessage{},
	} {
		assert.Truef(t, mg.HasTable(model), "missing table for %T", model)
	}

	var species int64
	require.NoError(t, db.Model(&ambassador.Species{}).Count(&species).Error)
	assert.Positive(t, species)

	// a second run keeps the existing credentials
	out.Reset()
	readPassword = passwordQueue()
	rootCmd.SetArgs([]string{"init"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Admin credentials are already set.")
	assert.Contains(t, out.String(), "Seeded 0 species")
}
