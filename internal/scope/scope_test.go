package scope

import "testing"

func TestMatches(t *testing.T) {
	cases := []struct {
		host, pattern string
		want          bool
	}{
		{"example.com", "example.com", true},
		{"api.example.com", "*.example.com", true},
		{"example.com", "*.example.com", true},
		{"badexample.com", "*.example.com", false},
		{"example.org", "*.example.com", false},
		{"admin.example.com", "admin.example.com", true},
	}

	for _, c := range cases {
		if got := Matches(c.host, c.pattern); got != c.want {
			t.Errorf("Matches(%q, %q) = %v, want %v", c.host, c.pattern, got, c.want)
		}
	}
}

func TestShouldCapture(t *testing.T) {
	inScope := []string{"*.example.com"}
	outOfScope := []string{"admin.example.com"}

	cases := []struct {
		host string
		want bool
	}{
		{"api.example.com", true},
		{"admin.example.com", false},
		{"example.com", true},
		{"example.org", false},
	}

	for _, c := range cases {
		if got := ShouldCapture(c.host, true, inScope, outOfScope); got != c.want {
			t.Errorf("ShouldCapture(%q) = %v, want %v", c.host, got, c.want)
		}
	}

	if !ShouldCapture("anything.test", false, inScope, outOfScope) {
		t.Error("ShouldCapture with saveOnlyInScope=false must always capture")
	}
}
