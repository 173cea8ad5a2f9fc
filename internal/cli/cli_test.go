package cli

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
)

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	if err := root.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "babel "+Version {
		t.Errorf("output = %q", got)
	}
}

func TestMigrateCreatesSchema(t *testing.T) {
	t.Setenv("BABEL_DB_DRIVER", "sqlite")
	t.Setenv("BABEL_DB_DSN", filepath.Join(t.TempDir(), "babel.db"))

	root := newRootCmd()
	root.SetArgs([]string{"migrate"})
	if err := root.Execute(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}

func TestNewAppRejectsBadCatalog(t *testing.T) {
	t.Setenv("BABEL_DB_DSN", filepath.Join(t.TempDir(), "babel.db"))
	t.Setenv("BABEL_ENGINES_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	if _, err := newApp(); err == nil {
		t.Fatal("newApp accepted a missing engine catalog")
	}
}

func TestUnknownCommand(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"frobnicate"})
	if err := root.Execute(); err == nil {
		t.Fatal("unknown command succeeded")
	}
}

func TestDispatchOnceWithNothingDue(t *testing.T) {
	t.Setenv("BABEL_DB_DRIVER", "sqlite")
	t.Setenv("BABEL_DB_DSN", filepath.Join(t.TempDir(), "babel.db"))
	t.Setenv("BABEL_ENGINES_FILE", "")

	root := newRootCmd()
	root.SetArgs([]string{"dispatch", "--once"})
	if err := root.Execute(); err != nil {
		t.Fatalf("dispatch --once: %v", err)
	}
}
