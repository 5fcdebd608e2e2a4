package strategy

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/applyd/applyd/internal/driver"
	"github.com/applyd/applyd/pkg/models"
)

// Generic is the fallback strategy for unknown sites. It relies on field
// naming conventions shared by most application forms.
type Generic struct {
	specs           []fieldSpec
	uploadSelectors string
	submitSelectors string
}

// NewGeneric creates the generic fallback strategy.
func NewGeneric() *Generic {
	return &Generic{
		specs: []fieldSpec{
			{
				field: "first_name",
				selectors: join(
					`input[name*="first_name"]`,
					`input[name*="firstname"]`,
					`input[name*="fname"]`,
					`input[id*="first_name"]`,
					`input[id*="firstName"]`,
				),
				value: func(p models.Profile) string { return p.FirstName },
			},
			{
				field: "last_name",
				selectors: join(
					`input[name*="last_name"]`,
					`input[name*="lastname"]`,
					`input[name*="lname"]`,
					`input[id*="last_name"]`,
					`input[id*="lastName"]`,
				),
				value: func(p models.Profile) string { return p.LastName },
			},
			{
				field: "email",
				selectors: join(
					`input[type="email"]`,
					`input[name*="email"]`,
					`input[id*="email"]`,
				),
				value: func(p models.Profile) string { return p.Email },
			},
			{
				field: "phone",
				selectors: join(
					`input[type="tel"]`,
					`input[name*="phone"]`,
					`input[name*="telephone"]`,
					`input[id*="phone"]`,
				),
				value: func(p models.Profile) string { return p.Phone },
			},
			{
				field: "linkedin",
				selectors: join(
					`input[name*="linkedin"]`,
					`input[id*="linkedin"]`,
				),
				value: func(p models.Profile) string { return p.LinkedInURL },
			},
			{
				field: "cover_letter",
				selectors: join(
					`textarea[name*="cover"]`,
					`textarea[id*="cover"]`,
				),
				value: func(p models.Profile) string { return p.CoverLetter },
			},
		},
		uploadSelectors: join(
			`input[type="file"][name*="resume"]`,
			`input[type="file"][name*="cv"]`,
			`input[type="file"][accept*="pdf"]`,
			`input[type="file"]`,
		),
		submitSelectors: join(
			`button[type="submit"]`,
			`input[type="submit"]`,
			`button[name*="submit"]`,
			`button[id*="submit"]`,
		),
	}
}

func join(selectors ...string) string {
	return strings.Join(selectors, ", ")
}

// Name identifies the strategy.
func (g *Generic) Name() string { return "generic" }

// Domains is empty: the generic strategy never claims a domain.
func (g *Generic) Domains() []string { return nil }

// Match always declines; the registry uses Generic only as the fallback.
func (g *Generic) Match(pageURL string, doc *goquery.Document) bool { return false }

// NextAction fills known fields in order, attaches the resume, advances
// recognized wizard steps, and finally signals readiness to submit.
func (g *Generic) NextAction(page *driver.PageState, profile models.Profile, fillLog []models.FillEntry) (driver.Action, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return driver.Action{}, fmt.Errorf("failed to parse page: %w", err)
	}

	if action, ok := nextFieldAction(doc, g.specs, profile, fillLog); ok {
		return action, nil
	}
	if action, ok := resumeUploadAction(doc, g.uploadSelectors, profile, fillLog); ok {
		return action, nil
	}
	// Wizard "next" controls are often submit-typed buttons; check them
	// before concluding the form is ready for final submission.
	if action, ok := nextStepAction(doc); ok {
		return action, nil
	}
	if doc.Find(g.submitSelectors).Length() > 0 {
		return driver.Action{Kind: driver.ActionSubmit, Field: "submit", Selector: g.submitSelectors}, nil
	}

	return driver.Action{}, fmt.Errorf("no actionable element found on %s", page.URL)
}
