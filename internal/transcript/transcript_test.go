package transcript

import "testing"

func TestSanitizeWorkingDir(t *testing.T) {
	cases := map[string]string{
		"/home/user/project": "home-user-project",
		"/root/module":       "root-module",
		"relative/path":      "relative-path",
	}
	for in, want := range cases {
		if got := SanitizeWorkingDir(in); got != want {
			t.Errorf("SanitizeWorkingDir(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseRawLineStringContent(t *testing.T) {
	raw := `{"type":"user","timestamp":"2026-02-13T10:30:00Z","message":{"role":"user","content":"hello"}}`
	line, ok := parseRawLine(raw)
	if !ok {
		t.Fatal("expected ok")
	}
	if line.Content != "hello" {
		t.Errorf("content = %q", line.Content)
	}
	if line.Role != "user" {
		t.Errorf("role = %q", line.Role)
	}
}

func TestParseRawLineBlockContent(t *testing.T) {
	raw := `{"type":"assistant","message":{"role":"assistant","content":[
		{"type":"text","text":"visible"},
		{"type":"tool_use","text":"ignored"}
	]}}`
	line, ok := parseRawLine(raw)
	if !ok {
		t.Fatal("expected ok")
	}
	if len(line.Blocks) != 2 {
		t.Fatalf("blocks = %d", len(line.Blocks))
	}
	if line.Blocks[0].Type != "text" || line.Blocks[0].Text != "visible" {
		t.Errorf("unexpected first block: %+v", line.Blocks[0])
	}
}

func TestParseRawLineSkipsToolResultType(t *testing.T) {
	raw := `{"type":"tool_result","message":{"role":"tool","content":"x"}}`
	if _, ok := parseRawLine(raw); ok {
		t.Fatal("tool_result lines should not parse as transcript lines")
	}
}

func TestIndexOfHash(t *testing.T) {
	lines := []string{"a", "b", "c"}
	h := lineHash("b")
	if idx := indexOfHash(lines, h); idx != 1 {
		t.Errorf("indexOfHash = %d, want 1", idx)
	}
	if idx := indexOfHash(lines, lineHash("z")); idx != -1 {
		t.Errorf("indexOfHash for missing hash = %d, want -1", idx)
	}
}
