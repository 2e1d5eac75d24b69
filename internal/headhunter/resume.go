package headhunter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

type ResumePreviews struct {
	Items []*ResumePreview
}

// ResumePreview is the brief record returned by the free preview search.
type ResumePreview struct {
	ID        string `json:"id,omitempty"`
	Title     string `json:"title,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Age       int    `json:"age,omitempty"`
	Area      struct {
		ID   string `json:"id,omitempty"`
		Name string `json:"name,omitempty"`
	} `json:"area,omitempty"`
	TotalExperience struct {
		Months int `json:"months,omitempty"`
	} `json:"total_experience,omitempty"`
	Experience []struct {
		Company   string `json:"company,omitempty"`
		CompanyID string `json:"company_id,omitempty"`
		Position  string `json:"position,omitempty"`
		Start     string `json:"start,omitempty"`
		End       string `json:"end,omitempty"`
	} `json:"experience,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// ResumeRecord is a full record from the metered fetch.
type ResumeRecord struct {
	ID    string
	Title string
	Raw   map[string]any
}

// GetResume fetches the full resume with contacts. This is the metered
// operation: every call costs one contact credit.
func (c *Client) GetResume(ctx context.Context, id string) (*ResumeRecord, error) {
	if id == "" {
		return nil, fmt.Errorf("resume id is required")
	}

	apiURLResume := fmt.Sprintf("%s%s/%s", c.APIURL, ResumeSearchPath, id)

	q := url.Values{}
	q.Set("with_contact", "true")

	var raw map[string]any
	if err := c.getJSON(ctx, apiURLResume, q, &raw); err != nil {
		return nil, err
	}

	if raw == nil {
		raw = make(map[string]any)
	}

	return &ResumeRecord{
		ID:    valueAsString(raw["id"]),
		Title: valueAsString(raw["title"]),
		Raw:   raw,
	}, nil
}

func (r *ResumePreviews) Len() int {
	return len(r.Items)
}

func (r *ResumePreviews) IDs() []string {
	ids := make([]string, 0, len(r.Items))
	for _, preview := range r.Items {
		ids = append(ids, preview.ID)
	}
	return ids
}

func (r *ResumePreviews) FindByID(id string) *ResumePreview {
	for _, preview := range r.Items {
		if preview.ID == id {
			return preview
		}
	}
	return nil
}

// ReportByOrganization groups previews by their latest employer.
func (r *ResumePreviews) ReportByOrganization() map[string][]map[string]string {
	report := make(map[string][]map[string]string)
	for _, preview := range r.Items {
		key := "(no recent employer)"
		if len(preview.Experience) > 0 {
			latest := preview.Experience[0]
			key = fmt.Sprintf("%s (%s)", latest.Company, latest.CompanyID)
		}
		report[key] = append(report[key], map[string]string{
			"title":             preview.Title,
			"area":              preview.Area.Name,
			"experience_months": strconv.Itoa(preview.TotalExperience.Months),
			"updated_at":        preview.UpdatedAt,
		})
	}
	return report
}

func (r *ResumePreviews) DumpToTmpFile() (string, error) {
	file, err := os.CreateTemp("", "resumes_*.json")
	if err != nil {
		return "", err
	}
	defer file.Close()

	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return "", err
	}
	return file.Name(), nil
}

// ExperienceEndYear extracts the most recent experience end year from a
// raw resume payload. An entry without an end date is treated as current
// employment. Returns 0 when no experience is present.
func ExperienceEndYear(raw map[string]any) int {
	entries, ok := raw["experience"].([]any)
	if !ok {
		return 0
	}

	best := 0
	for _, entry := range entries {
		item, ok := entry.(map[string]any)
		if !ok {
			continue
		}

		end := valueAsString(item["end"])
		if end == "" {
			return time.Now().Year()
		}

		if len(end) >= 4 {
			if year, err := strconv.Atoi(end[:4]); err == nil && year > best {
				best = year
			}
		}
	}

	return best
}

func valueAsString(v any) string {
	if v == nil {
		return ""
	}

	switch typed := v.(type) {
	case string:
		return typed
	case fmt.Stringer:
		return typed.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}
