package sessionsvc

import "testing"

func TestIsValidName(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{"demo", true},
		{"demo-session_1", true},
		{"", false},
		{"has space", false},
		{"has/slash", false},
		{string(make([]byte, 65)), false},
	}
	for _, c := range cases {
		if got := IsValidName(c.name); got != c.want {
			t.Errorf("IsValidName(%q) = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestShellQuote(t *testing.T) {
	cases := map[string]string{
		"hello":        "'hello'",
		"it's":         `'it'\''s'`,
		"":             "''",
		"rm -rf /":     "'rm -rf /'",
	}
	for in, want := range cases {
		if got := shellQuote(in); got != want {
			t.Errorf("shellQuote(%q) = %q, want %q", in, got, want)
		}
	}
}
