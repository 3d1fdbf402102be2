package statesync

import (
	"errors"
	"testing"
)

func TestValidateDirective(t *testing.T) {
	for _, d := range []string{NoStore, Immutable} {
		if err := ValidateDirective(d); err != nil {
			t.Fatalf("%s: unexpected error %v", d, err)
		}
	}
	var ide *InvalidDirectiveError
	if err := ValidateDirective("max-age=60"); !errors.As(err, &ide) {
		t.Fatalf("expected InvalidDirectiveError, got %v", err)
	}
}

func TestDecorate(t *testing.T) {
	p := Policy{CacheControl: NoStore}
	if got := p.Decorate("List projects"); got != "List projects [Cache-Control: no-store]" {
		t.Fatalf("unexpected description: %q", got)
	}
	if got := (Policy{}).Decorate("List projects"); got != "List projects" {
		t.Fatalf("policy without directive must not decorate: %q", got)
	}
}

func TestNotice(t *testing.T) {
	p := Policy{Invalidates: []string{"projects.*", "billing"}}
	want := "[System: Cache invalidated for projects.*, billing - caused by projects.create]"
	if got := p.Notice("projects.create"); got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	if (Policy{}).Notice("x.y") != "" {
		t.Fatal("no globs, no notice")
	}
}

func TestMatch(t *testing.T) {
	tests := []struct {
		glob, name string
		want       bool
	}{
		{"projects.*", "projects.list", true},
		{"projects.*", "projects", false},
		{"projects.*", "billing.list", false},
		{"projects.**", "projects", true},
		{"projects.**", "projects.admin.list", true},
		{"**", "anything.at.all", true},
		{"billing", "billing", true},
		{"bill*", "billing", true},
	}
	for _, tt := range tests {
		if got := Match(tt.glob, tt.name); got != tt.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tt.glob, tt.name, got, tt.want)
		}
	}
}

func TestFingerprintIsOrderIndependent(t *testing.T) {
	a := Policy{Invalidates: []string{"b", "a"}}.Fingerprint()
	b := Policy{Invalidates: []string{"a", "b"}}.Fingerprint()
	ga := a["invalidates"].([]string)
	gb := b["invalidates"].([]string)
	if ga[0] != gb[0] || ga[1] != gb[1] {
		t.Fatalf("fingerprints differ: %v vs %v", ga, gb)
	}
}
