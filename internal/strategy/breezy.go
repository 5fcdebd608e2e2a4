package strategy

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/applyd/applyd/internal/driver"
	"github.com/applyd/applyd/pkg/models"
)

// Breezy handles breezy.hr hosted application forms, which use stable
// field names across tenants.
type Breezy struct {
	specs           []fieldSpec
	uploadSelectors string
	submitSelectors string
}

// NewBreezy creates the breezy.hr strategy.
func NewBreezy() *Breezy {
	return &Breezy{
		specs: []fieldSpec{
			{
				field:     "full_name",
				selectors: `input[name="name"], input#candidate-name`,
				value: func(p models.Profile) string {
					return strings.TrimSpace(p.FirstName + " " + p.LastName)
				},
			},
			{
				field:     "email",
				selectors: `input[name="email"], input#candidate-email`,
				value:     func(p models.Profile) string { return p.Email },
			},
			{
				field:     "phone",
				selectors: `input[name="phone_number"], input#candidate-phone`,
				value:     func(p models.Profile) string { return p.Phone },
			},
			{
				field:     "linkedin",
				selectors: `input[name="linkedin"], input[name*="profile_url"]`,
				value:     func(p models.Profile) string { return p.LinkedInURL },
			},
			{
				field:     "cover_letter",
				selectors: `textarea[name="cover_letter"], textarea#candidate-cover-letter`,
				value:     func(p models.Profile) string { return p.CoverLetter },
			},
		},
		uploadSelectors: `input[type="file"][name="resume"], input#candidate-resume, input[type="file"]`,
		submitSelectors: `button.submit-application, button[type="submit"]`,
	}
}

// Name identifies the strategy.
func (b *Breezy) Name() string { return "breezy" }

// Domains claims breezy-hosted boards outright.
func (b *Breezy) Domains() []string { return []string{"breezy.hr"} }

// Match recognizes self-hosted breezy forms by their asset fingerprint.
func (b *Breezy) Match(pageURL string, doc *goquery.Document) bool {
	if doc.Find(`meta[content*="breezy"]`).Length() > 0 {
		return true
	}
	found := false
	doc.Find(`script[src], link[href]`).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		src, _ := sel.Attr("src")
		href, _ := sel.Attr("href")
		if strings.Contains(src, "breezy.hr") || strings.Contains(href, "breezy.hr") {
			found = true
			return false
		}
		return true
	})
	return found
}

// NextAction fills breezy's fixed field set, attaches the resume, then
// signals readiness to submit.
func (b *Breezy) NextAction(page *driver.PageState, profile models.Profile, fillLog []models.FillEntry) (driver.Action, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return driver.Action{}, fmt.Errorf("failed to parse page: %w", err)
	}

	if action, ok := nextFieldAction(doc, b.specs, profile, fillLog); ok {
		return action, nil
	}
	if action, ok := resumeUploadAction(doc, b.uploadSelectors, profile, fillLog); ok {
		return action, nil
	}
	if action, ok := nextStepAction(doc); ok {
		return action, nil
	}
	if doc.Find(b.submitSelectors).Length() > 0 {
		return driver.Action{Kind: driver.ActionSubmit, Field: "submit", Selector: b.submitSelectors}, nil
	}

	return driver.Action{}, fmt.Errorf("no actionable element found on %s", page.URL)
}
