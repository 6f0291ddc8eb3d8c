package main

import "testing"

func TestParseTokens(t *testing.T) {
	got, err := parseTokens("10, 20,30 40\t50")
	if err != nil {
		t.Fatalf("parseTokens: %v", err)
	}
	want := []int{10, 20, 30, 40, 50}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}

	for _, bad := range []string{"", " , ", "1,x,3", "1.5"} {
		if _, err := parseTokens(bad); err == nil {
			t.Errorf("parseTokens(%q): expected error", bad)
		}
	}
}

func TestRandomTokens(t *testing.T) {
	a := randomTokens(16, 50257, 42)
	b := randomTokens(16, 50257, 42)
	if len(a) != 16 {
		t.Fatalf("got %d tokens, want 16", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same seed produced %v and %v", a, b)
		}
		if a[i] < 0 || a[i] >= randomTokenLimit {
			t.Fatalf("token %d outside [0, %d)", a[i], randomTokenLimit)
		}
	}
	for _, tok := range randomTokens(64, 7, 1) {
		if tok < 0 || tok >= 7 {
			t.Fatalf("token %d outside small vocabulary", tok)
		}
	}
}
