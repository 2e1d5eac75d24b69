package headhunter

import (
	"strings"
	"testing"

	"github.com/spigell/hh-sourcer/internal/query"
)

func TestFromQueryHardFilters(t *testing.T) {
	q, err := query.Build(query.Filters{
		OrganizationIDs: []string{"42", "43"},
		Roles:           []string{"backend developer"},
		Locations:       []string{"1"},
		Department:      "platform",
	}, query.StrategyStrict)
	if err != nil {
		t.Fatalf("building query: %v", err)
	}

	params := FromQuery(q)

	if len(params.Employers) != 2 || params.Employers[0] != "42" {
		t.Fatalf("unexpected employers: %v", params.Employers)
	}
	if len(params.Areas) != 1 || params.Areas[0] != "1" {
		t.Fatalf("expected the strict location as a hard area filter, got %v", params.Areas)
	}
	if len(params.Departments) != 1 || params.Departments[0] != "platform" {
		t.Fatalf("unexpected departments: %v", params.Departments)
	}
	if params.SearchField != "title" {
		t.Fatalf("expected the role to search the title field, got %q", params.SearchField)
	}
	if !strings.Contains(params.Text, "backend developer") {
		t.Fatalf("expected the role in the text terms, got %q", params.Text)
	}
	if params.OrderBy != "" {
		t.Fatalf("expected default ordering without boosts, got %q", params.OrderBy)
	}
}

func TestFromQueryBoostsBecomeRelevanceTerms(t *testing.T) {
	q, err := query.Build(query.Filters{
		OrganizationIDs: []string{"42"},
		Roles:           []string{"sre"},
		Locations:       []string{"moscow"},
	}, query.StrategyBroad)
	if err != nil {
		t.Fatalf("building query: %v", err)
	}

	params := FromQuery(q)

	if len(params.Areas) != 0 {
		t.Fatalf("broad location must not eliminate, got areas %v", params.Areas)
	}
	if params.OrderBy != orderByRelevance {
		t.Fatalf("expected relevance ordering with boosts, got %q", params.OrderBy)
	}
	for _, term := range []string{"sre", "moscow"} {
		if !strings.Contains(params.Text, term) {
			t.Fatalf("expected %q among the relevance terms, got %q", term, params.Text)
		}
	}
}

func TestFromQueryManagementSeniority(t *testing.T) {
	q, err := query.Build(query.Filters{
		OrganizationIDs: []string{"42"},
		Seniority:       "director",
	}, query.StrategyStrict)
	if err != nil {
		t.Fatalf("building query: %v", err)
	}

	params := FromQuery(q)
	if params.ManagementLevel != "director" {
		t.Fatalf("expected management level director, got %q", params.ManagementLevel)
	}
}

func TestFromQueryICSeniorityStrict(t *testing.T) {
	q, err := query.Build(query.Filters{
		OrganizationIDs: []string{"42"},
		Seniority:       "senior",
	}, query.StrategyStrict)
	if err != nil {
		t.Fatalf("building query: %v", err)
	}

	params := FromQuery(q)
	if params.TenureFrom != "6" || params.TenureTo != "50" {
		t.Fatalf("expected the tenure range 6..50, got %q..%q", params.TenureFrom, params.TenureTo)
	}
	if !strings.Contains(params.Text, "senior") {
		t.Fatalf("expected the keyword leg in the text terms, got %q", params.Text)
	}
}

func TestBuildParams(t *testing.T) {
	params := &ResumeSearchParams{
		Text:            "golang",
		Employers:       []string{"42", "43"},
		Areas:           []string{"1"},
		ManagementLevel: "director",
		TenureFrom:      "6",
		OrderBy:         "relevance",
		PerPage:         "100",
	}

	q := buildParams(params)

	if got := q["employer_id"]; len(got) != 2 || got[0] != "42" || got[1] != "43" {
		t.Fatalf("unexpected employer_id values: %v", got)
	}
	if q.Get("area") != "1" {
		t.Fatalf("unexpected area: %q", q.Get("area"))
	}
	if q.Get("text") != "golang" {
		t.Fatalf("unexpected text: %q", q.Get("text"))
	}
	if q.Get("management_level") != "director" {
		t.Fatalf("unexpected management_level: %q", q.Get("management_level"))
	}
	if q.Get("experience_years_from") != "6" {
		t.Fatalf("unexpected experience_years_from: %q", q.Get("experience_years_from"))
	}
	if q.Get("per_page") != "100" {
		t.Fatalf("unexpected per_page: %q", q.Get("per_page"))
	}
	if q.Has("experience_years_to") {
		t.Fatalf("empty fields must not produce parameters")
	}
	if q.Has("period") {
		t.Fatalf("zero period must not produce a parameter")
	}
}
