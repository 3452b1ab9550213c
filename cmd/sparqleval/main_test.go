package main

import (
	"os"
	"testing"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"submit", "check-status", "organize", "evaluate", "combine-ontologies"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestResolveConfigPathEnvOverride(t *testing.T) {
	t.Setenv("SPARQLEVAL_CONFIG", "/etc/sparqleval/config.yaml")
	if got := resolveConfigPath(defaultConfigPath); got != "/etc/sparqleval/config.yaml" {
		t.Fatalf("resolveConfigPath = %q, want env override", got)
	}

	// An explicit flag wins over the environment.
	if got := resolveConfigPath("local.yaml"); got != "local.yaml" {
		t.Fatalf("resolveConfigPath = %q, want explicit flag value", got)
	}

	os.Unsetenv("SPARQLEVAL_CONFIG")
	if got := resolveConfigPath(defaultConfigPath); got != defaultConfigPath {
		t.Fatalf("resolveConfigPath = %q, want default", got)
	}
}
