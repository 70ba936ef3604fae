package connections

import (
	"errors"
	"strings"
	"testing"

	"github.com/osiris-etl/osiris/internal/components"
	"github.com/osiris-etl/osiris/internal/secrets"
)

const connectionsYAML = `
connections:
  mysql:
    main:
      host: db.example.com
      port: 3306
      user: etl
      password: "${MYSQL_PASSWORD}"
      default: true
    replica:
      host: replica.example.com
      port: 3306
      user: etl_ro
      password: "${MYSQL_RO_PASSWORD}"
  supabase:
    prod:
      url: https://x.supabase.co
      service_role_key: "${SUPABASE_SERVICE_ROLE_KEY}"
`

func testSpec() *components.Spec {
	return &components.Spec{
		Name:    "mysql.extractor",
		Version: "1.0.0",
		Modes:   []string{"read"},
		Secrets: []string{"/password"},
		ConnectionFields: []components.ConnectionField{
			{Name: "host", Override: components.OverrideAllowed},
			{Name: "password", Override: components.OverrideForbidden},
			{Name: "port", Override: components.OverrideWarning},
		},
		Runtime: components.RuntimeBinding{Driver: "mysql.extractor"},
	}
}

func TestParseRef(t *testing.T) {
	ref, err := ParseRef("@mysql.main")
	if err != nil {
		t.Fatal(err)
	}
	if ref.Family != "mysql" || ref.Alias != "main" {
		t.Fatalf("ref: %+v", ref)
	}
	for _, bad := range []string{"mysql.main", "@", "@a.b.c", ""} {
		if _, err := ParseRef(bad); !errors.Is(err, ErrInvalidRef) {
			t.Fatalf("ParseRef(%q): expected ErrInvalidRef, got %v", bad, err)
		}
	}
}

func TestResolveExpandsEnvAndMergesOverrides(t *testing.T) {
	t.Setenv("MYSQL_PASSWORD", "hunter2")
	store, err := Parse([]byte(connectionsYAML))
	if err != nil {
		t.Fatal(err)
	}
	res, err := store.Resolve(Ref{Family: "mysql", Alias: "main"},
		map[string]any{"host": "override.example.com", "table": "orders"}, testSpec())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Fields["password"] != "hunter2" {
		t.Fatalf("password not resolved: %v", res.Fields["password"])
	}
	if res.Fields["host"] != "override.example.com" {
		t.Fatalf("allowed override not merged: %v", res.Fields["host"])
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", res.Warnings)
	}
}

func TestResolveDefaultAlias(t *testing.T) {
	t.Setenv("MYSQL_PASSWORD", "hunter2")
	store, _ := Parse([]byte(connectionsYAML))
	res, err := store.Resolve(Ref{Family: "mysql"}, nil, testSpec())
	if err != nil {
		t.Fatal(err)
	}
	if res.Fields["host"] != "db.example.com" {
		t.Fatalf("default alias fields: %v", res.Fields)
	}
}

func TestResolveForbiddenOverride(t *testing.T) {
	t.Setenv("MYSQL_PASSWORD", "hunter2")
	store, _ := Parse([]byte(connectionsYAML))
	_, err := store.Resolve(Ref{Family: "mysql", Alias: "main"},
		map[string]any{"password": "hacked"}, testSpec())
	if !errors.Is(err, ErrForbiddenOverride) {
		t.Fatalf("expected ErrForbiddenOverride, got %v", err)
	}
	// The rejected value must not leak through the error message.
	if strings.Contains(err.Error(), "hacked") {
		t.Fatalf("error leaks secret value: %v", err)
	}
}

func TestResolveWarningOverride(t *testing.T) {
	t.Setenv("MYSQL_PASSWORD", "hunter2")
	store, _ := Parse([]byte(connectionsYAML))
	res, err := store.Resolve(Ref{Family: "mysql", Alias: "main"},
		map[string]any{"port": 3307}, testSpec())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "port") {
		t.Fatalf("warnings: %v", res.Warnings)
	}
	if res.Fields["port"] != 3307 {
		t.Fatalf("warning override not merged: %v", res.Fields["port"])
	}
}

func TestResolveMissingEnv(t *testing.T) {
	t.Setenv("MYSQL_RO_PASSWORD", "")
	store, _ := Parse([]byte(connectionsYAML))
	_, err := store.Resolve(Ref{Family: "mysql", Alias: "replica"}, nil, testSpec())
	if !errors.Is(err, ErrMissingEnv) {
		t.Fatalf("expected ErrMissingEnv, got %v", err)
	}
}

func TestResolveUnknownFamilyAndAlias(t *testing.T) {
	store, _ := Parse([]byte(connectionsYAML))
	if _, err := store.Resolve(Ref{Family: "postgres", Alias: "x"}, nil, nil); !errors.Is(err, ErrUnknownFamily) {
		t.Fatalf("expected ErrUnknownFamily, got %v", err)
	}
	if _, err := store.Resolve(Ref{Family: "mysql", Alias: "nope"}, nil, nil); !errors.Is(err, ErrUnknownAlias) {
		t.Fatalf("expected ErrUnknownAlias, got %v", err)
	}
}

func TestMaskedPreservesPlaceholders(t *testing.T) {
	store, _ := Parse([]byte(connectionsYAML))
	fields, err := store.Lookup(Ref{Family: "supabase", Alias: "prod"})
	if err != nil {
		t.Fatal(err)
	}
	res := &Resolved{Fields: fields}
	keys := secrets.KeySet([]string{"/service_role_key"}, nil)
	masked := res.Masked(keys)
	// Unresolved placeholder strings are not secrets and stay verbatim.
	if masked["service_role_key"] != "${SUPABASE_SERVICE_ROLE_KEY}" {
		t.Fatalf("placeholder mangled: %v", masked["service_role_key"])
	}

	t.Setenv("SUPABASE_SERVICE_ROLE_KEY", "sk-verysecret")
	resolved, err := store.Resolve(Ref{Family: "supabase", Alias: "prod"}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	masked = resolved.Masked(keys)
	if masked["service_role_key"] != secrets.Mask {
		t.Fatalf("resolved secret not masked: %v", masked["service_role_key"])
	}
}
