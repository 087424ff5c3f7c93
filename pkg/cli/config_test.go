package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haivivi/svbackend/pkg/storage"
)

func TestMaskSecret(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"", ""},
		{"1234", "****"},
		{"12345678", "********"},
		{"123456789", "1234*6789"},
		{"wJalrXUtnFEMIK7MDENG", "wJal************DENG"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := MaskSecret(tt.key); got != tt.want {
				t.Errorf("MaskSecret(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestContextMasked(t *testing.T) {
	c := Context{Name: "lab", S3: storage.S3Options{AccessKeyID: "AKIA", SecretAccessKey: "supersecretvalue"}}
	m := c.Masked()
	if m.S3.SecretAccessKey == c.S3.SecretAccessKey || strings.Contains(m.S3.SecretAccessKey, "secret") {
		t.Fatalf("secret not masked: %q", m.S3.SecretAccessKey)
	}
	if c.S3.SecretAccessKey != "supersecretvalue" {
		t.Fatal("Masked modified the original")
	}
}

func TestLoadConfigCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg, err := LoadConfigWithPath("svbackend", path)
	if err != nil {
		t.Fatalf("LoadConfigWithPath: %v", err)
	}
	if cfg.Path() != path || cfg.AppName != "svbackend" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not created: %v", err)
	}
	if info, _ := os.Stat(path); info.Mode().Perm() != 0600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestContextsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg, err := LoadConfigWithPath("svbackend", path)
	if err != nil {
		t.Fatal(err)
	}

	if err := cfg.AddContext("sre", &Context{Store: "/data/emb", Artifacts: "s3://models/sre",
		S3: storage.S3Options{Region: "us-east-1", PathStyle: true}}); err != nil {
		t.Fatal(err)
	}
	if err := cfg.AddContext("local", &Context{Store: "./emb", Artifacts: "./models"}); err != nil {
		t.Fatal(err)
	}
	if err := cfg.UseContext("sre"); err != nil {
		t.Fatal(err)
	}
	if err := cfg.UseContext("missing"); err == nil {
		t.Fatal("expected error for unknown context")
	}

	loaded, err := LoadConfigWithPath("svbackend", path)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(loaded.ListContexts(), ","); got != "local,sre" {
		t.Fatalf("ListContexts = %q", got)
	}
	cur, err := loaded.ResolveContext("")
	if err != nil {
		t.Fatal(err)
	}
	if cur.Name != "sre" || cur.Artifacts != "s3://models/sre" || !cur.S3.PathStyle {
		t.Fatalf("current context = %+v", cur)
	}

	if err := loaded.DeleteContext("sre"); err != nil {
		t.Fatal(err)
	}
	if loaded.CurrentContext != "" {
		t.Fatal("deleting the current context should clear it")
	}
	if c, err := loaded.ResolveContext(""); err != nil || c.Name != "" {
		t.Fatalf("ResolveContext without current = %+v, %v", c, err)
	}
	if err := loaded.DeleteContext("sre"); err == nil {
		t.Fatal("expected error deleting twice")
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("contexts: [unclosed"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfigWithPath("svbackend", path); err == nil {
		t.Fatal("expected a parse error")
	}
}
