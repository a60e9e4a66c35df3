package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type sample struct {
	Model string `yaml:"model"`
	Port  int    `yaml:"port"`
}

func TestLoad_ExpandsEnv(t *testing.T) {
	t.Setenv("TEST_MODEL", "gemini-live")

	path := filepath.Join(t.TempDir(), "nutrizen.yaml")
	if err := os.WriteFile(path, []byte("model: ${TEST_MODEL}\nport: 9090\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	var got sample
	if err := Load(path, &got); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Model != "gemini-live" || got.Port != 9090 {
		t.Errorf("got %+v", got)
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		missing bool
		want    string
	}{
		{name: "missing file", missing: true, want: "not found"},
		{name: "bad yaml", content: "model: [unterminated", want: "invalid YAML"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "c.yaml")
			if !tt.missing {
				if err := os.WriteFile(path, []byte(tt.content), 0o600); err != nil {
					t.Fatal(err)
				}
			}
			var s sample
			err := Load(path, &s)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("A_KEY", "")
	t.Setenv("B_KEY", "b")
	t.Setenv("FLAG", "true")
	t.Setenv("NUM", "12")
	t.Setenv("BAD_NUM", "x")

	if got := String("A_KEY", "B_KEY"); got != "b" {
		t.Errorf("String = %q, want b", got)
	}
	if !Bool("FLAG") {
		t.Error("Bool(FLAG) = false")
	}
	if Bool("UNSET_FLAG_FOR_TEST") {
		t.Error("Bool(unset) = true")
	}
	if got := Int("NUM", 1); got != 12 {
		t.Errorf("Int = %d", got)
	}
	if got := Int("BAD_NUM", 7); got != 7 {
		t.Errorf("Int(bad) = %d", got)
	}
}
