package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xarblu/portcache/internal/manifest"
	"github.com/xarblu/portcache/internal/repodb"
	"github.com/xarblu/portcache/internal/srcuri"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// writeTree 构建带一个包的最小 ebuild 树，返回树根。
func writeTree(t *testing.T, manifestLine string) string {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "metadata"), 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "metadata", "layout.conf"), []byte("masters = gentoo\n"), 0o644); err != nil {
		t.Fatalf("write error: %v", err)
	}
	pkg := filepath.Join(root, "media-libs", "harfbuzz")
	if err := os.MkdirAll(pkg, 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}
	if err := os.WriteFile(filepath.Join(pkg, "Manifest"), []byte(manifestLine), 0o644); err != nil {
		t.Fatalf("write error: %v", err)
	}
	if err := os.WriteFile(filepath.Join(pkg, "harfbuzz-10.4.0.ebuild"), []byte("# ebuild\n"), 0o644); err != nil {
		t.Fatalf("write error: %v", err)
	}
	return root
}

func stubHelper(t *testing.T, body string) *srcuri.Runner {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stub-python")
	script := "#!/bin/sh\ncat >/dev/null\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub error: %v", err)
	}
	return srcuri.NewRunner(path, 5*time.Second, testLogger())
}

const distLine = "DIST harfbuzz-10.4.0.tar.xz 24 BLAKE2B aa SHA512 bb\n"

func TestResolveViaManifestAndHelper(t *testing.T) {
	root := writeTree(t, distLine)
	idx := manifest.NewIndex(func() []string { return []string{root} }, testLogger())
	helper := stubHelper(t, `echo '{"harfbuzz-10.4.0.tar.xz":["https://github.com/harfbuzz/harfbuzz/releases/download/10.4.0/harfbuzz-10.4.0.tar.xz"]}'`)

	r := New(idx, nil, helper, testLogger())
	resolution, err := r.Resolve(context.Background(), "harfbuzz-10.4.0.tar.xz")
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if resolution.Record.Atom != "media-libs/harfbuzz" {
		t.Fatalf("atom mismatch: %s", resolution.Record.Atom)
	}
	if len(resolution.URIs) != 1 {
		t.Fatalf("uris mismatch: %+v", resolution.URIs)
	}
}

func TestResolveUnknownFileIsNotFound(t *testing.T) {
	root := writeTree(t, distLine)
	idx := manifest.NewIndex(func() []string { return []string{root} }, testLogger())
	helper := stubHelper(t, `echo '{}'`)

	r := New(idx, nil, helper, testLogger())
	if _, err := r.Resolve(context.Background(), "badfile"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveNoDeclaredURIsIsNotFound(t *testing.T) {
	root := writeTree(t, distLine)
	idx := manifest.NewIndex(func() []string { return []string{root} }, testLogger())
	helper := stubHelper(t, `echo '{}'`)

	r := New(idx, nil, helper, testLogger())
	if _, err := r.Resolve(context.Background(), "harfbuzz-10.4.0.tar.xz"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolveHelperFailureIsDistinct(t *testing.T) {
	root := writeTree(t, distLine)
	idx := manifest.NewIndex(func() []string { return []string{root} }, testLogger())
	helper := stubHelper(t, `echo "portage exploded" >&2; exit 1`)

	r := New(idx, nil, helper, testLogger())
	_, err := r.Resolve(context.Background(), "harfbuzz-10.4.0.tar.xz")
	var helperErr *srcuri.HelperError
	if !errors.As(err, &helperErr) {
		t.Fatalf("expected HelperError, got %v", err)
	}
}

func TestResolvePrefersRepoDB(t *testing.T) {
	root := writeTree(t, distLine)
	idx := manifest.NewIndex(func() []string { return []string{root} }, testLogger())
	// helper 一旦被调用就失败，验证 repodb 命中时完全不触发 helper
	helper := stubHelper(t, `exit 1`)

	db, err := repodb.Open(t.TempDir())
	if err != nil {
		t.Fatalf("repodb error: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	record := manifest.Record{Filename: "harfbuzz-10.4.0.tar.xz", Atom: "media-libs/harfbuzz", Size: 24}
	if err := db.UpsertRecord(ctx, record); err != nil {
		t.Fatalf("upsert error: %v", err)
	}
	cached := []string{"https://cached.example.org/harfbuzz-10.4.0.tar.xz"}
	if err := db.ReplaceSrcURIs(ctx, record.Filename, cached); err != nil {
		t.Fatalf("replace error: %v", err)
	}

	r := New(idx, db, helper, testLogger())
	resolution, err := r.Resolve(ctx, record.Filename)
	if err != nil {
		t.Fatalf("resolve error: %v", err)
	}
	if len(resolution.URIs) != 1 || resolution.URIs[0] != cached[0] {
		t.Fatalf("repodb uris should win: %+v", resolution.URIs)
	}
}

func TestResolveWritesBackToRepoDB(t *testing.T) {
	root := writeTree(t, distLine)
	idx := manifest.NewIndex(func() []string { return []string{root} }, testLogger())
	uri := "https://github.com/harfbuzz/harfbuzz/releases/download/10.4.0/harfbuzz-10.4.0.tar.xz"
	helper := stubHelper(t, fmt.Sprintf(`echo '{"harfbuzz-10.4.0.tar.xz":["%s"]}'`, uri))

	db, err := repodb.Open(t.TempDir())
	if err != nil {
		t.Fatalf("repodb error: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	r := New(idx, db, helper, testLogger())
	if _, err := r.Resolve(ctx, "harfbuzz-10.4.0.tar.xz"); err != nil {
		t.Fatalf("resolve error: %v", err)
	}

	stored, err := db.LookupSrcURIs(ctx, "harfbuzz-10.4.0.tar.xz")
	if err != nil {
		t.Fatalf("lookup error: %v", err)
	}
	if len(stored) != 1 || stored[0] != uri {
		t.Fatalf("resolved uris should be persisted: %+v", stored)
	}
}
