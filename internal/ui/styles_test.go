package ui

import (
	"bytes"
	"strings"
	"testing"
)

func TestRender_PlainWithoutColor(t *testing.T) {
	SetOutput(&bytes.Buffer{})
	SetColor(false)
	defer SetColor(false)

	if ColorEnabled() {
		t.Fatal("ColorEnabled() = true after SetColor(false)")
	}
	for _, fn := range []func(string) string{RenderPass, RenderWarn, RenderFail, RenderAccent, RenderMuted} {
		if got := fn("✓"); got != "✓" {
			t.Errorf("render without color = %q, want plain", got)
		}
	}
}

func TestRender_Color(t *testing.T) {
	SetOutput(&bytes.Buffer{})
	SetColor(true)
	defer SetColor(false)

	got := RenderPass("ok")
	if !strings.Contains(got, "ok") || !strings.Contains(got, "\x1b[") {
		t.Errorf("RenderPass() = %q, want escape codes", got)
	}
}

func TestTable_AlignsColumns(t *testing.T) {
	SetOutput(&bytes.Buffer{})
	SetColor(false)

	out := Table([]string{"PART", "DUE"}, [][]string{{"rune", "3"}, {"defn", "12"}})
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("Table() = %q, want 3 lines", out)
	}
	if lines[0] != "PART  DUE" || lines[2] != "defn  12" {
		t.Errorf("Table() lines = %q", lines)
	}
}

func TestKeyValue(t *testing.T) {
	SetOutput(&bytes.Buffer{})
	SetColor(false)
	if got := KeyValue("due", 4); got != "due: 4" {
		t.Errorf("KeyValue() = %q", got)
	}
}
