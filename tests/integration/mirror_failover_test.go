package integration

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v3"
)

func TestMirrorFailoverServesFromSecondMirror(t *testing.T) {
	failing := newMirrorStub(t, serveStatus(http.StatusInternalServerError))
	working := newMirrorStub(t, servePayload(distfileBytes))
	env := newTestEnv(t, envOptions{
		distLine:   distLineFor(distfile, distfileBytes),
		mirrorURLs: []string{failing.server.URL, working.server.URL},
	})

	resp := env.getDistfile(t, distfile)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !bytes.Equal(body, distfileBytes) {
		t.Fatalf("payload should come from the second mirror")
	}

	if failing.hits.Load() != 1 {
		t.Fatalf("failing mirror should be tried once, got %d", failing.hits.Load())
	}
	if working.hits.Load() != 1 {
		t.Fatalf("working mirror should serve once, got %d", working.hits.Load())
	}
}

func TestStatusExposesMirrorHealth(t *testing.T) {
	failing := newMirrorStub(t, serveStatus(http.StatusInternalServerError))
	working := newMirrorStub(t, servePayload(distfileBytes))
	env := newTestEnv(t, envOptions{
		distLine:   distLineFor(distfile, distfileBytes),
		mirrorURLs: []string{failing.server.URL, working.server.URL},
	})

	resp := env.getDistfile(t, distfile)
	resp.Body.Close()

	statusResp, err := env.app.Test(httptest.NewRequest("GET", "/status", nil))
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	defer statusResp.Body.Close()

	var payload struct {
		Mirrors []struct {
			URL      string `json:"url"`
			Failures int    `json:"failures"`
		} `json:"mirrors"`
	}
	if err := json.NewDecoder(statusResp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if len(payload.Mirrors) != 2 {
		t.Fatalf("expected two mirrors in status, got %d", len(payload.Mirrors))
	}
	if payload.Mirrors[0].URL != failing.server.URL || payload.Mirrors[0].Failures != 1 {
		t.Fatalf("failing mirror should report one failure: %+v", payload.Mirrors[0])
	}
	if payload.Mirrors[1].Failures != 0 {
		t.Fatalf("working mirror should report zero failures: %+v", payload.Mirrors[1])
	}
}

func TestCorruptMirrorIsSkipped(t *testing.T) {
	corrupt := newMirrorStub(t, servePayload([]byte("tampered bytes")))
	good := newMirrorStub(t, servePayload(distfileBytes))
	env := newTestEnv(t, envOptions{
		distLine:   distLineFor(distfile, distfileBytes),
		mirrorURLs: []string{corrupt.server.URL, good.server.URL},
	})

	resp := env.getDistfile(t, distfile)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected status 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !bytes.Equal(body, distfileBytes) {
		t.Fatalf("verified payload should come from the good mirror")
	}
}
