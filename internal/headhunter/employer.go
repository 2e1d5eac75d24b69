package headhunter

import (
	"context"
	"fmt"
	"net/url"

	"github.com/mitchellh/mapstructure"
)

const employerSearchPath = "/employers"

type Employers struct {
	Items []*Employer
}

type Employer struct {
	ID            string `json:"id,omitempty"`
	Name          string `json:"name,omitempty"`
	SiteURL       string `json:"site_url,omitempty" mapstructure:"site_url"`
	AlternateURL  string `json:"alternate_url,omitempty" mapstructure:"alternate_url"`
	OpenVacancies int    `json:"open_vacancies,omitempty" mapstructure:"open_vacancies"`
	Trusted       bool   `json:"trusted,omitempty"`
}

// SearchEmployers queries the employer directory by free text (a name or
// a website domain both work).
func (c *Client) SearchEmployers(ctx context.Context, text string) (*Employers, error) {
	q := url.Values{}
	q.Set("text", text)
	q.Set("per_page", perPage)

	apiURLEmployers := fmt.Sprintf("%s%s", c.APIURL, employerSearchPath)

	items, err := c.GetItems(ctx, apiURLEmployers, q)
	if err != nil {
		return nil, err
	}

	var employers []*Employer
	cfg := &mapstructure.DecoderConfig{
		Result:  &employers,
		TagName: "json",
	}
	decoder, _ := mapstructure.NewDecoder(cfg)
	if err := decoder.Decode(items); err != nil {
		return nil, err
	}

	return &Employers{Items: employers}, nil
}

// GetEmployer fetches a single employer record by canonical id.
func (c *Client) GetEmployer(ctx context.Context, id string) (*Employer, error) {
	if id == "" {
		return nil, fmt.Errorf("employer id is required")
	}

	apiURLEmployer := fmt.Sprintf("%s%s/%s", c.APIURL, employerSearchPath, id)

	var employer Employer
	if err := c.getJSON(ctx, apiURLEmployer, nil, &employer); err != nil {
		return nil, err
	}

	return &employer, nil
}

func (e *Employers) Len() int {
	return len(e.Items)
}

func (e *Employers) Names() []string {
	names := make([]string, 0, len(e.Items))
	for _, employer := range e.Items {
		names = append(names, employer.Name)
	}
	return names
}
