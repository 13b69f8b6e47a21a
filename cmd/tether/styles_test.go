package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

// setMockTTY sets the TTY override for tests and returns a cleanup function.
func setMockTTY(value bool) func() {
	testIsTTYMutex.Lock()
	testIsTTYOverride = &value
	testIsTTYMutex.Unlock()
	return func() {
		testIsTTYMutex.Lock()
		testIsTTYOverride = nil
		testIsTTYMutex.Unlock()
	}
}

func TestRenderPanel_TTY(t *testing.T) {
	defer setMockTTY(true)()

	result := renderPanel("clients", "Entities: 3")
	if !strings.Contains(result, "clients") || !strings.Contains(result, "Entities: 3") {
		t.Errorf("panel missing content:\n%s", result)
	}
	if !strings.ContainsAny(result, "─│╭╮╰╯") {
		t.Error("TTY panel should contain border characters")
	}
}

func TestRenderPanel_NonTTY(t *testing.T) {
	defer setMockTTY(false)()

	if got := renderPanel("clients", "Entities: 3"); got != "clients\nEntities: 3" {
		t.Errorf("renderPanel() = %q", got)
	}
}

func TestPrintHelpers_NonTTY(t *testing.T) {
	defer setMockTTY(false)()

	var buf bytes.Buffer
	printSuccess(&buf, "Synced %d", 2)
	printWarning(&buf, "pending")
	printField(&buf, "Healthy", true)
	printMuted(&buf, "hint")

	want := iconSuccess + " Synced 2\n" + iconWarning + " pending\nHealthy: true\nhint\n"
	if buf.String() != want {
		t.Errorf("output = %q, want %q", buf.String(), want)
	}
}

func TestStateStyle_NonTTY(t *testing.T) {
	defer setMockTTY(false)()

	for _, s := range []string{"local", "syncing", "synced", "failed"} {
		if got := stateStyle(s); got != s {
			t.Errorf("stateStyle(%q) = %q", s, got)
		}
	}
}

func TestRunWithSpinner(t *testing.T) {
	t.Run("non-TTY prints message once", func(t *testing.T) {
		defer setMockTTY(false)()

		var buf bytes.Buffer
		if err := runWithSpinner(&buf, "Synchronizing", func() error { return nil }); err != nil {
			t.Fatal(err)
		}
		if buf.String() != "Synchronizing...\n" {
			t.Errorf("output = %q", buf.String())
		}
	})

	t.Run("TTY returns operation error", func(t *testing.T) {
		defer setMockTTY(true)()

		want := errors.New("boom")
		var buf bytes.Buffer
		if err := runWithSpinner(&buf, "Working", func() error { return want }); !errors.Is(err, want) {
			t.Errorf("err = %v, want %v", err, want)
		}
		if !strings.Contains(buf.String(), "Working") {
			t.Errorf("spinner output missing message: %q", buf.String())
		}
	})
}
