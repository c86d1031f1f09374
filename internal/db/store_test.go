package db

import (
	"strings"
	"testing"
)

func TestBuildListWhereActiveOnly(t *testing.T) {
	where, args := buildListWhere(ListParams{ActiveOnly: true})

	mustContain := []string{
		"statut = 'permanent'",
		"statut != 'ferme'",
		"date_limite IS NULL OR date_limite >= CURRENT_DATE",
	}
	for _, token := range mustContain {
		if !strings.Contains(where, token) {
			t.Fatalf("active clause missing token %q: %s", token, where)
		}
	}
	if len(args) != 0 {
		t.Errorf("active filter must not bind args, got %v", args)
	}
}

func TestBuildListWherePlaceholdersAreSequential(t *testing.T) {
	where, args := buildListWhere(ListParams{
		Query:       "culture",
		Categories:  []string{"culture-sport"},
		Eligibilite: []string{"associations"},
		Source:      "paris",
		Statut:      "ouvert",
	})

	if len(args) != 5 {
		t.Fatalf("args = %d, want 5", len(args))
	}
	for _, ph := range []string{"$1", "$2", "$3", "$4", "$5"} {
		if !strings.Contains(where, ph) {
			t.Errorf("missing placeholder %s in %s", ph, where)
		}
	}
	if strings.Contains(where, "$6") {
		t.Errorf("unexpected placeholder $6 in %s", where)
	}
}

func TestUrgenceClause(t *testing.T) {
	tests := []struct {
		urgence  string
		wantOK   bool
		contains string
	}{
		{"urgent", true, "CURRENT_DATE + 7"},
		{"proche", true, "CURRENT_DATE + 30"},
		{"confortable", true, "date_limite > CURRENT_DATE + 30"},
		{"permanent", true, "date_limite IS NULL"},
		{"expire", true, "date_limite < CURRENT_DATE"},
		{"", false, ""},
		{"demain", false, ""},
	}
	for _, tt := range tests {
		clause, ok := urgenceClause(tt.urgence)
		if ok != tt.wantOK {
			t.Errorf("urgenceClause(%q) ok = %v, want %v", tt.urgence, ok, tt.wantOK)
			continue
		}
		if ok && !strings.Contains(clause, tt.contains) {
			t.Errorf("urgenceClause(%q) = %q, missing %q", tt.urgence, clause, tt.contains)
		}
	}
}

func TestBuildListWhereEmptyParams(t *testing.T) {
	where, args := buildListWhere(ListParams{})
	if where != "WHERE 1=1" {
		t.Errorf("where = %q", where)
	}
	if len(args) != 0 {
		t.Errorf("args = %v", args)
	}
}
