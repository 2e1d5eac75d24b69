package headhunter

import (
	"context"
	"fmt"
	"net/url"
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/spigell/hh-sourcer/internal/query"
)

const (
	ResumeSearchPath = "/resumes"

	orderByRelevance = "relevance"
)

// ResumeSearchParams are the wire-level parameters of the resume search
// endpoint. Hard filters map to dedicated parameters; optional boosts end
// up as free-text relevance terms.
type ResumeSearchParams struct {
	Text string `yaml:"text"`
	// hhparam is custom tag for reflect. Please see below.
	Employers       []string `hhparam:"employer_id"`
	Areas           []string `hhparam:"area"`
	Departments     []string `hhparam:"department"`
	ManagementLevel string   `yaml:"management_level" mapstructure:"management_level"`
	TenureFrom      string   `yaml:"experience_years_from" mapstructure:"experience_years_from"`
	TenureTo        string   `yaml:"experience_years_to" mapstructure:"experience_years_to"`
	SearchField     string   `yaml:"search_field" mapstructure:"search_field"`
	OrderBy         string   `yaml:"order_by" mapstructure:"order_by"`
	PerPage         string   `yaml:"per_page" mapstructure:"per_page"`
	Period          uint     `yaml:"period"`
}

// FromQuery translates the structured query into wire parameters. Must
// clauses become hard parameters, should clauses become relevance terms
// and switch ordering to relevance.
func FromQuery(q *query.Query) *ResumeSearchParams {
	p := &ResumeSearchParams{}
	var terms []string

	for _, clause := range q.Must {
		applyMustClause(p, clause, &terms)
	}

	var boostTerms []string
	for _, clause := range q.Should {
		collectBoostTerms(clause, &boostTerms)
	}

	if len(boostTerms) > 0 {
		p.OrderBy = orderByRelevance
		terms = append(terms, boostTerms...)
	}

	p.Text = strings.Join(terms, " ")

	return p
}

func applyMustClause(p *ResumeSearchParams, clause query.Clause, terms *[]string) {
	if len(clause.Any) > 0 {
		// A disjunction has no single hard parameter. The tenure leg
		// becomes a range, the keyword leg a text term.
		for _, sub := range clause.Any {
			switch sub.Field {
			case query.FieldTenureYears:
				if len(sub.Values) == 2 {
					p.TenureFrom = sub.Values[0]
					p.TenureTo = sub.Values[1]
				}
			case query.FieldTitleKeyword:
				*terms = append(*terms, sub.Values...)
			}
		}
		return
	}

	switch clause.Field {
	case query.FieldOrganization:
		p.Employers = append(p.Employers, clause.Values...)
	case query.FieldLocation:
		p.Areas = append(p.Areas, clause.Values...)
	case query.FieldDepartment:
		p.Departments = append(p.Departments, clause.Values...)
	case query.FieldManagementLevel:
		if len(clause.Values) > 0 {
			p.ManagementLevel = clause.Values[0]
		}
	case query.FieldRole:
		p.SearchField = "title"
		*terms = append(*terms, clause.Values...)
	}
}

func collectBoostTerms(clause query.Clause, terms *[]string) {
	if len(clause.Any) > 0 {
		for _, sub := range clause.Any {
			if sub.Field == query.FieldTitleKeyword {
				*terms = append(*terms, sub.Values...)
			}
		}
		return
	}

	switch clause.Field {
	case query.FieldRole, query.FieldLocation:
		*terms = append(*terms, clause.Values...)
	}
}

// SearchResumes runs the free preview search and returns brief records
// from all result pages.
func (c *Client) SearchResumes(ctx context.Context, params *ResumeSearchParams) (*ResumePreviews, error) {
	var previews []*ResumePreview

	// Set per_page max as possible. It should be faster.
	if params.PerPage == "" {
		params.PerPage = perPage
	}

	q := buildParams(params)
	apiURLSearch := fmt.Sprintf("%s%s", c.APIURL, ResumeSearchPath)

	items, err := c.GetItems(ctx, apiURLSearch, q)
	if err != nil {
		return nil, err
	}

	cfg := &mapstructure.DecoderConfig{
		Metadata: nil,
		Result:   &previews,
		TagName:  "json",
	}
	decoder, _ := mapstructure.NewDecoder(cfg)
	decoder.Decode(items)

	return &ResumePreviews{
		Items: previews,
	}, nil
}

func buildParams(params *ResumeSearchParams) url.Values {
	q := url.Values{}
	fields := reflect.VisibleFields(reflect.TypeOf(*params))
	for _, field := range fields {
		// Our custom tag is using here.
		key := field.Tag.Get("hhparam")
		if key == "" {
			// Failover to default tag if our tag do not exist.
			key = field.Tag.Get("yaml")
		}
		kind := field.Type.Kind()
		switch kind {
		case reflect.Slice:

			s := reflect.ValueOf(params).Elem().Field(field.Index[0]).Interface()
			switch v := s.(type) {
			case []int:
				for _, value := range v {
					q.Add(key, strconv.Itoa(value))
				}

			case []string:
				for _, value := range v {
					q.Add(key, value)
				}
			}

		default:
			value := fmt.Sprintf("%v", reflect.ValueOf(params).Elem().Field(field.Index[0]).Interface())
			if value != "" && value != "0" {
				q.Set(key, value)
			}
		}
	}

	return q
}
