package integration

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"

	"github.com/xarblu/portcache/internal/cache"
	"github.com/xarblu/portcache/internal/config"
	"github.com/xarblu/portcache/internal/digest"
	"github.com/xarblu/portcache/internal/fetch"
	"github.com/xarblu/portcache/internal/manifest"
	"github.com/xarblu/portcache/internal/mirror"
	"github.com/xarblu/portcache/internal/repodb"
	"github.com/xarblu/portcache/internal/resolver"
	"github.com/xarblu/portcache/internal/server"
	"github.com/xarblu/portcache/internal/srcuri"
)

const distfile = "harfbuzz-10.4.0.tar.xz"

var distfileBytes = []byte("integration test tarball payload")

// mirrorStub serves the filename-hash layout protocol like a real Gentoo
// mirror: a layout.conf probe plus sharded distfile paths.
type mirrorStub struct {
	server *httptest.Server
	hits   atomic.Int64
	serve  func(w http.ResponseWriter, file string)
}

func newMirrorStub(t *testing.T, serve func(w http.ResponseWriter, file string)) *mirrorStub {
	t.Helper()
	stub := &mirrorStub{serve: serve}
	stub.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/distfiles/layout.conf" {
			io.WriteString(w, mirror.LayoutDocument)
			return
		}
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/distfiles/"), "/")
		if len(parts) != 2 {
			http.NotFound(w, r)
			return
		}
		stub.hits.Add(1)
		stub.serve(w, parts[1])
	}))
	t.Cleanup(stub.server.Close)
	return stub
}

func servePayload(payload []byte) func(w http.ResponseWriter, file string) {
	return func(w http.ResponseWriter, file string) {
		w.Write(payload)
	}
}

func serveStatus(status int) func(w http.ResponseWriter, file string) {
	return func(w http.ResponseWriter, file string) {
		w.WriteHeader(status)
	}
}

// distLineFor builds a Manifest DIST line with real digests for payload.
func distLineFor(name string, payload []byte) string {
	b2 := blake2b.Sum512(payload)
	s512 := sha512.Sum512(payload)
	return fmt.Sprintf("DIST %s %d BLAKE2B %s SHA512 %s\n",
		name, len(payload), hex.EncodeToString(b2[:]), hex.EncodeToString(s512[:]))
}

// envOptions controls the assembled service under test.
type envOptions struct {
	// distLine declares the test file in the ebuild tree; empty means the
	// tree knows nothing about it.
	distLine string
	// helperJSON is printed by the stub metadata helper; empty means `{}`.
	helperJSON string
	mirrorURLs []string
	withDB     bool
}

type testEnv struct {
	app        *fiber.App
	store      cache.Store
	pool       *mirror.Pool
	storageDir string
}

// newTestEnv wires the full service the way main does: store, optional
// repodb, manifest index, helper, resolver, mirror pool, coordinator, app.
func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	storageDir := t.TempDir()
	store, err := cache.NewStore(storageDir)
	if err != nil {
		t.Fatalf("store error: %v", err)
	}

	treeRoot := t.TempDir()
	mustWrite(t, filepath.Join(treeRoot, "metadata", "layout.conf"), "masters = gentoo\n")
	if opts.distLine != "" {
		pkg := filepath.Join(treeRoot, "media-libs", "harfbuzz")
		mustWrite(t, filepath.Join(pkg, "Manifest"), opts.distLine)
		mustWrite(t, filepath.Join(pkg, "harfbuzz-10.4.0.ebuild"), "# ebuild\n")
	}

	helperJSON := opts.helperJSON
	if helperJSON == "" {
		helperJSON = "{}"
	}
	helperPath := filepath.Join(t.TempDir(), "stub-python")
	script := fmt.Sprintf("#!/bin/sh\ncat >/dev/null\necho '%s'\n", helperJSON)
	if err := os.WriteFile(helperPath, []byte(script), 0o755); err != nil {
		t.Fatalf("write stub error: %v", err)
	}

	var db *repodb.DB
	if opts.withDB {
		db, err = repodb.Open(storageDir)
		if err != nil {
			t.Fatalf("repodb error: %v", err)
		}
		t.Cleanup(func() { db.Close() })
	}

	index := manifest.NewIndex(func() []string { return []string{treeRoot} }, logger)
	helper := srcuri.NewRunner(helperPath, 5*time.Second, logger)
	res := resolver.New(index, db, helper, logger)

	mirrors := make([]config.MirrorConfig, len(opts.mirrorURLs))
	for i, u := range opts.mirrorURLs {
		mirrors[i] = config.MirrorConfig{URL: u}
	}
	pool := mirror.NewPool(mirrors, 15*time.Second, 15*time.Minute)

	coordinator, err := fetch.NewCoordinator(fetch.Options{
		Store:        store,
		Pool:         pool,
		Resolver:     res,
		Client:       &http.Client{Timeout: 10 * time.Second},
		Logger:       logger,
		FetchTimeout: 10 * time.Second,
	})
	if err != nil {
		t.Fatalf("coordinator error: %v", err)
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:      logger,
		Fetcher:     coordinator,
		Store:       store,
		Pool:        pool,
		StoragePath: storageDir,
		Version:     "integration-test",
		ListenPort:  5000,
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}

	return &testEnv{app: app, store: store, pool: pool, storageDir: storageDir}
}

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir error: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write error: %v", err)
	}
}

func shardOf(name string) string {
	return digest.ShardDir(name)
}

// getDistfile issues a GET against the sharded path of name.
func (e *testEnv) getDistfile(t *testing.T, name string) *http.Response {
	t.Helper()
	path := "/distfiles/" + digest.ShardDir(name) + "/" + name
	resp, err := e.app.Test(httptest.NewRequest("GET", path, nil))
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	return resp
}
