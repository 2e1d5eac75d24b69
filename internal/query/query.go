// Package query builds the structured resume-search query sent to the
// provider. The output is a plain data structure so each clause can be
// asserted in tests before it is translated to wire parameters.
package query

import (
	"fmt"
	"strconv"
	"strings"
)

// Strategy controls which supplied filters become hard requirements and
// which become optional relevance boosts.
type Strategy string

const (
	// StrategyStrict makes every supplied filter a hard requirement.
	StrategyStrict Strategy = "strict"
	// StrategyBalanced requires role filters and boosts location.
	StrategyBalanced Strategy = "balanced"
	// StrategyBroad requires only organization membership.
	StrategyBroad Strategy = "broad"
)

// ParseStrategy maps a config string onto a Strategy, defaulting to balanced.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyStrict:
		return StrategyStrict, nil
	case StrategyBalanced, "":
		return StrategyBalanced, nil
	case StrategyBroad:
		return StrategyBroad, nil
	default:
		return "", fmt.Errorf("unknown strategy: %q", s)
	}
}

// Clause field names.
const (
	FieldOrganization    = "employer_id"
	FieldRole            = "title"
	FieldLocation        = "area"
	FieldDepartment      = "department"
	FieldManagementLevel = "management_level"
	FieldTitleKeyword    = "title_keyword"
	FieldTenureYears     = "tenure_years"
)

// Clause is a single filter or boost. A clause with a non-empty Any slice
// is a disjunction: it matches when any sub-clause matches.
type Clause struct {
	Field  string
	Values []string
	Boost  float64
	Any    []Clause
}

// Query is the structured search request: Must clauses eliminate, Should
// clauses only affect relevance.
type Query struct {
	Must   []Clause
	Should []Clause
}

// Filters are the caller-supplied constraints for a candidate search.
// OrganizationIDs must contain at least one resolved canonical id.
type Filters struct {
	OrganizationIDs []string
	Roles           []string
	Locations       []string
	Seniority       string
	Department      string
}

// Seniority bands. Management tiers map to an exact management-level
// match; individual-contributor bands expand into a title-keyword OR
// tenure-range disjunction because the structured seniority field is too
// sparse to be trusted alone.
var managementLevels = map[string]bool{
	"manager":   true,
	"director":  true,
	"executive": true,
}

var icBands = map[string]struct {
	keywords []string
	minYears int
	maxYears int
}{
	"junior": {keywords: []string{"junior", "trainee"}, minYears: 0, maxYears: 3},
	"mid":    {keywords: []string{"middle"}, minYears: 3, maxYears: 6},
	"senior": {keywords: []string{"senior", "lead", "staff", "principal"}, minYears: 6, maxYears: 50},
}

// Build assembles the structured query. Organization membership is always
// required; department is always a hard filter once supplied; role,
// location and seniority placement depends on the strategy.
func Build(f Filters, strategy Strategy) (*Query, error) {
	if len(f.OrganizationIDs) == 0 {
		return nil, fmt.Errorf("at least one resolved organization id is required")
	}

	q := &Query{
		Must: []Clause{{Field: FieldOrganization, Values: f.OrganizationIDs}},
	}

	if dep := strings.TrimSpace(f.Department); dep != "" {
		q.Must = append(q.Must, Clause{Field: FieldDepartment, Values: []string{dep}})
	}

	if len(f.Roles) > 0 {
		clause := Clause{Field: FieldRole, Values: f.Roles}
		switch strategy {
		case StrategyBroad:
			clause.Boost = 1.0
			q.Should = append(q.Should, clause)
		default: // strict and balanced both require the role
			q.Must = append(q.Must, clause)
		}
	}

	if len(f.Locations) > 0 {
		clause := Clause{Field: FieldLocation, Values: f.Locations}
		switch strategy {
		case StrategyStrict:
			q.Must = append(q.Must, clause)
		default:
			clause.Boost = 0.5
			q.Should = append(q.Should, clause)
		}
	}

	if sen := strings.ToLower(strings.TrimSpace(f.Seniority)); sen != "" {
		clause, err := seniorityClause(sen)
		if err != nil {
			return nil, err
		}
		if strategy == StrategyStrict {
			q.Must = append(q.Must, clause)
		} else {
			clause.Boost = 0.5
			q.Should = append(q.Should, clause)
		}
	}

	return q, nil
}

func seniorityClause(band string) (Clause, error) {
	if managementLevels[band] {
		return Clause{Field: FieldManagementLevel, Values: []string{band}}, nil
	}

	ic, ok := icBands[band]
	if !ok {
		return Clause{}, fmt.Errorf("unknown seniority band: %q", band)
	}

	return Clause{
		Any: []Clause{
			{Field: FieldTitleKeyword, Values: ic.keywords},
			{Field: FieldTenureYears, Values: []string{
				strconv.Itoa(ic.minYears),
				strconv.Itoa(ic.maxYears),
			}},
		},
	}, nil
}

// FindClause returns the first clause for field in the given list, or nil.
func FindClause(clauses []Clause, field string) *Clause {
	for i := range clauses {
		if clauses[i].Field == field {
			return &clauses[i]
		}
	}
	return nil
}
