package cmd

import (
	"os"
	"strings"
	"testing"
)

func TestParseServeAddr(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    string
		wantErr bool
	}{
		{"default", []string{"porter", "serve"}, defaultAddr, false},
		{"positional", []string{"porter", "serve", ":8080"}, ":8080", false},
		{"flag form", []string{"porter", "serve", "--addr", "0.0.0.0:9000"}, "0.0.0.0:9000", false},
		{"single dash flag", []string{"porter", "serve", "-addr", "127.0.0.1:8080"}, "127.0.0.1:8080", false},
		{"missing port", []string{"porter", "serve", "localhost"}, "", true},
		{"port out of range", []string{"porter", "serve", ":99999"}, "", true},
		{"non-numeric port", []string{"porter", "serve", ":http"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oldArgs := os.Args
			os.Args = tt.args
			defer func() { os.Args = oldArgs }()

			got, err := parseServeAddr()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseServeAddr() = %q, expected error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseServeAddr() unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("parseServeAddr() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestVersionString(t *testing.T) {
	old := Version
	defer func() { Version = old }()

	Version = "v1.2.3"
	if got := versionString(); got != "v1.2.3" {
		t.Errorf("versionString() = %q, want %q", got, "v1.2.3")
	}

	Version = "dev"
	if got := versionString(); got == "" {
		t.Error("versionString() returned empty string")
	}
}

func TestExecuteUnknownCommand(t *testing.T) {
	oldArgs := os.Args
	os.Args = []string{"porter", "frobnicate"}
	defer func() { os.Args = oldArgs }()

	err := Execute()
	if err == nil {
		t.Fatal("Execute() expected error for unknown command")
	}
	if !strings.Contains(err.Error(), "frobnicate") {
		t.Errorf("Execute() error = %v, want it to name the command", err)
	}
}

func TestExecuteHelp(t *testing.T) {
	oldArgs := os.Args
	os.Args = []string{"porter", "help"}
	defer func() { os.Args = oldArgs }()

	if err := Execute(); err != nil {
		t.Errorf("Execute() help unexpected error: %v", err)
	}
}
