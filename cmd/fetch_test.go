package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/webpeel/webpeel/internal/fetch"
)

func TestParseHeaders(t *testing.T) {
	t.Parallel()

	headers, err := parseHeaders([]string{
		"Accept-Language: de-DE",
		"X-Token:abc",
		"X-Multi: one",
		"X-Multi: two",
	})
	if err != nil {
		t.Fatalf("parseHeaders: %v", err)
	}
	if got := headers.Get("Accept-Language"); got != "de-DE" {
		t.Errorf("Accept-Language = %q", got)
	}
	if got := headers.Get("X-Token"); got != "abc" {
		t.Errorf("X-Token = %q", got)
	}
	if got := headers.Values("X-Multi"); len(got) != 2 {
		t.Errorf("X-Multi = %v, want two values", got)
	}

	if _, err := parseHeaders([]string{"no-colon"}); err == nil {
		t.Error("expected error for header without colon")
	}
	if _, err := parseHeaders([]string{": empty name"}); err == nil {
		t.Error("expected error for empty header name")
	}
	if headers, err := parseHeaders(nil); err != nil || headers != nil {
		t.Errorf("parseHeaders(nil) = (%v, %v), want (nil, nil)", headers, err)
	}
}

func TestLoadActions(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "actions.json")
	content := `[
		{"type": "wait", "duration_ms": 1500},
		{"type": "type", "selector": "#q", "value": "headphones"},
		{"type": "press", "value": "Enter"},
		{"type": "wait_for_selector", "selector": ".results", "duration_ms": 5000},
		{"type": "screenshot", "full_page": true}
	]`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write actions: %v", err)
	}

	actions, err := loadActions(path)
	if err != nil {
		t.Fatalf("loadActions: %v", err)
	}
	if len(actions) != 5 {
		t.Fatalf("len(actions) = %d, want 5", len(actions))
	}
	if actions[0].Type != fetch.ActionWait || actions[0].Duration != 1500*time.Millisecond {
		t.Errorf("actions[0] = %+v", actions[0])
	}
	if actions[1].Selector != "#q" || actions[1].Value != "headphones" {
		t.Errorf("actions[1] = %+v", actions[1])
	}
	if !actions[4].FullPage {
		t.Errorf("actions[4] = %+v, want full page screenshot", actions[4])
	}
}

func TestLoadActionsRejectsInvalidSteps(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "actions.json")
	if err := os.WriteFile(path, []byte(`[{"type": "click"}]`), 0o600); err != nil {
		t.Fatalf("write actions: %v", err)
	}
	if _, err := loadActions(path); err == nil {
		t.Fatal("expected validation error for click without selector")
	}

	if _, err := loadActions(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadStorageState(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	content := `{"cookies": [
		{"name": "session", "value": "s3cret", "domain": "example.com", "path": "/", "secure": true, "httpOnly": true}
	]}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write state: %v", err)
	}

	state, err := loadStorageState(path)
	if err != nil {
		t.Fatalf("loadStorageState: %v", err)
	}
	if len(state.Cookies) != 1 {
		t.Fatalf("cookies = %+v", state.Cookies)
	}
	c := state.Cookies[0]
	if c.Name != "session" || c.Domain != "example.com" || !c.Secure || !c.HTTPOnly {
		t.Fatalf("cookie = %+v", c)
	}
}
