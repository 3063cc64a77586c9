package catalog

import (
	"strings"
	"testing"
)

func TestSlugify(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"My Map", "my-map"},
		{"My  Map!!", "my-map"},
		{"--Already-Sluggy--", "already-sluggy"},
		{"HQ", "map-hq"},
		{"", "public-map"},
		{"!!!", "public-map"},
		{"Ünïcôde Wörld", "n-c-de-w-rld"},
		{strings.Repeat("a", 60), strings.Repeat("a", 50)},
		{"x1", "map-x1"},
	}
	for _, tc := range cases {
		if got := Slugify(tc.in); got != tc.want {
			t.Errorf("Slugify(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSlugifyIdempotent(t *testing.T) {
	inputs := []string{
		"My Map", "HQ", "", "A B C D", strings.Repeat("long-", 20), "m@p #7",
	}
	for _, in := range inputs {
		once := Slugify(in)
		if twice := Slugify(once); twice != once {
			t.Errorf("Slugify not idempotent for %q: %q -> %q", in, once, twice)
		}
	}
}

func TestSlugifyInvariants(t *testing.T) {
	inputs := []string{
		"My Map", "HQ", "", "   ", "----", "abc", strings.Repeat("x-", 40), "café au lait",
	}
	for _, in := range inputs {
		got := Slugify(in)
		if len(got) < slugMinLen || len(got) > slugMaxLen {
			t.Errorf("Slugify(%q) = %q: length %d out of [3,50]", in, got, len(got))
		}
		if strings.Contains(got, "--") {
			t.Errorf("Slugify(%q) = %q: contains --", in, got)
		}
		if strings.HasPrefix(got, "-") || strings.HasSuffix(got, "-") {
			t.Errorf("Slugify(%q) = %q: leading or trailing -", in, got)
		}
		for _, r := range got {
			if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-') {
				t.Errorf("Slugify(%q) = %q: bad rune %q", in, got, r)
			}
		}
	}
}
