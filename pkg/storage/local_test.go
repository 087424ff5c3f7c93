package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestLocal(t *testing.T) *Local {
	t.Helper()
	s, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestLocalWriteAndRead(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()

	if err := WriteFile(ctx, s, "tel/plda/model.svb", []byte("model bytes")); err != nil {
		t.Fatal(err)
	}
	got, err := ReadFile(ctx, s, "tel/plda/model.svb")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "model bytes" {
		t.Fatalf("got %q", got)
	}

	if _, err := s.Read(ctx, "no-such-file"); !os.IsNotExist(err) {
		t.Fatalf("expected os.ErrNotExist, got %v", err)
	}
}

func TestLocalWriteInvisibleUntilClose(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()

	if err := WriteFile(ctx, s, "f", []byte("old")); err != nil {
		t.Fatal(err)
	}
	w, err := s.Write(ctx, "f")
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(w, "new content")

	got, _ := ReadFile(ctx, s, "f")
	if string(got) != "old" {
		t.Fatalf("partial write visible: %q", got)
	}
	if names, _ := s.List(ctx, ""); len(names) != 1 {
		t.Fatalf("staged file listed: %v", names)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	got, _ = ReadFile(ctx, s, "f")
	if string(got) != "new content" {
		t.Fatalf("got %q after close", got)
	}
}

func TestLocalFailedWriteKeepsTarget(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()
	if err := WriteFile(ctx, s, "f", []byte("old")); err != nil {
		t.Fatal(err)
	}
	w, err := s.Write(ctx, "f")
	if err != nil {
		t.Fatal(err)
	}
	// Force the staged file's writes to fail.
	af := w.(*atomicFile)
	af.f.Close()
	if _, err := io.WriteString(w, "lost"); err == nil {
		t.Fatal("expected write error on a closed file")
	}
	if err := w.Close(); err == nil {
		t.Fatal("expected Close to report the write error")
	}
	got, _ := ReadFile(ctx, s, "f")
	if string(got) != "old" {
		t.Fatalf("target changed to %q", got)
	}
	entries, _ := os.ReadDir(s.Root())
	if len(entries) != 1 {
		t.Fatalf("temporary file left behind: %d entries", len(entries))
	}
}

func TestLocalExistsDelete(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()

	if ok, err := s.Exists(ctx, "tmp"); err != nil || ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}
	if err := WriteFile(ctx, s, "tmp", nil); err != nil {
		t.Fatal(err)
	}
	if ok, err := s.Exists(ctx, "tmp"); err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}
	for i := 0; i < 2; i++ {
		if err := s.Delete(ctx, "tmp"); err != nil {
			t.Fatal(err)
		}
	}
	if ok, _ := s.Exists(ctx, "tmp"); ok {
		t.Fatal("file should be gone after delete")
	}
}

func TestLocalList(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()
	for _, p := range []string{"vid/plda/b.svb", "tel/plda/a.svb", "tel/plda/current", "tel/lda/x.svb"} {
		if err := WriteFile(ctx, s, p, []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.List(ctx, "tel/")
	if err != nil {
		t.Fatal(err)
	}
	if want := "tel/lda/x.svb,tel/plda/a.svb,tel/plda/current"; strings.Join(got, ",") != want {
		t.Fatalf("List = %v", got)
	}
}

func TestNewLocalCreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "dir")
	s, err := NewLocal(dir)
	if err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(s.Root())
	if err != nil {
		t.Fatal(err)
	}
	if !info.IsDir() {
		t.Fatal("expected directory")
	}
}

func TestParseLocation(t *testing.T) {
	tests := []struct {
		in   string
		want Location
		err  bool
	}{
		{"./artifacts", Location{Dir: "./artifacts"}, false},
		{"s3://models", Location{Bucket: "models"}, false},
		{"s3://models/sre/2026/", Location{Bucket: "models", Prefix: "sre/2026"}, false},
		{"s3:///nobucket", Location{}, true},
		{"", Location{}, true},
	}
	for _, tt := range tests {
		got, err := ParseLocation(tt.in)
		if (err != nil) != tt.err || got != tt.want {
			t.Errorf("ParseLocation(%q) = %+v, %v", tt.in, got, err)
		}
	}
	if l, _ := ParseLocation("s3://models/sre"); l.String() != "s3://models/sre" || !l.IsS3() {
		t.Fatalf("String = %q", l.String())
	}
}
