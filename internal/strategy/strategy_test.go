package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/applyd/applyd/internal/driver"
	"github.com/applyd/applyd/pkg/models"
)

func testProfile() models.Profile {
	return models.Profile{
		FirstName:   "Ada",
		LastName:    "Lovelace",
		Email:       "ada@example.com",
		Phone:       "+1 555 0100",
		LinkedInURL: "https://linkedin.com/in/ada",
		CoverLetter: "I write programs.",
		ResumePath:  "/tmp/ada-resume.pdf",
	}
}

func TestRegistryDomainMatchTakesPrecedence(t *testing.T) {
	r := NewRegistry()

	// A breezy-hosted page whose DOM would also satisfy the generic
	// fallback must resolve by domain.
	s := r.Resolve(&driver.PageState{
		URL:  "https://acme.breezy.hr/p/12345-engineer/apply",
		HTML: `<form><input type="email" name="email"></form>`,
	})
	assert.Equal(t, "breezy", s.Name())
}

func TestRegistryFingerprintMatch(t *testing.T) {
	r := NewRegistry()

	// Self-hosted board, breezy assets present.
	s := r.Resolve(&driver.PageState{
		URL:  "https://careers.acme.com/apply",
		HTML: `<html><head><script src="https://assets.breezy.hr/app.js"></script></head></html>`,
	})
	assert.Equal(t, "breezy", s.Name())
}

func TestRegistryFallsBackToGeneric(t *testing.T) {
	r := NewRegistry()

	s := r.Resolve(&driver.PageState{
		URL:  "https://careers.unknown.com/apply",
		HTML: `<form><input type="email" name="email"></form>`,
	})
	assert.Equal(t, "generic", s.Name())
}

const genericForm = `
<form>
	<input type="text" name="first_name">
	<input type="text" name="last_name">
	<input type="email" name="email">
	<input type="tel" name="phone">
	<input type="file" name="resume">
	<button type="submit">Submit application</button>
</form>`

func TestGenericFillsFieldsInOrder(t *testing.T) {
	g := NewGeneric()
	page := &driver.PageState{URL: "https://careers.acme.com/apply", HTML: genericForm}
	profile := testProfile()

	var fillLog []models.FillEntry
	expected := []string{"first_name", "last_name", "email", "phone"}

	for _, want := range expected {
		action, err := g.NextAction(page, profile, fillLog)
		require.NoError(t, err)
		assert.Equal(t, driver.ActionFill, action.Kind)
		assert.Equal(t, want, action.Field)

		fillLog = append(fillLog, models.FillEntry{Field: action.Field, Value: action.Value})
	}

	// Fields done; the resume upload comes next.
	action, err := g.NextAction(page, profile, fillLog)
	require.NoError(t, err)
	assert.Equal(t, driver.ActionUpload, action.Kind)
	assert.Equal(t, "/tmp/ada-resume.pdf", action.FilePath)

	fillLog = append(fillLog, models.FillEntry{Field: "resume"})

	// Everything satisfied; readiness to submit.
	action, err = g.NextAction(page, profile, fillLog)
	require.NoError(t, err)
	assert.Equal(t, driver.ActionSubmit, action.Kind)
}

func TestGenericIsDeterministic(t *testing.T) {
	// NextAction is a pure function of page, profile and fill log: a session
	// paused and resumed mid-form must produce the identical next action.
	g := NewGeneric()
	page := &driver.PageState{URL: "https://careers.acme.com/apply", HTML: genericForm}
	profile := testProfile()
	fillLog := []models.FillEntry{{Field: "first_name"}, {Field: "last_name"}}

	first, err := g.NextAction(page, profile, fillLog)
	require.NoError(t, err)
	second, err := g.NextAction(page, profile, fillLog)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestGenericSkipsEmptyProfileFields(t *testing.T) {
	g := NewGeneric()
	page := &driver.PageState{URL: "https://careers.acme.com/apply", HTML: genericForm}
	profile := models.Profile{Email: "ada@example.com"}

	action, err := g.NextAction(page, profile, nil)
	require.NoError(t, err)
	assert.Equal(t, "email", action.Field, "fields with no profile value are skipped")
}

func TestGenericAdvancesWizardBeforeSubmitting(t *testing.T) {
	g := NewGeneric()

	// A submit-typed "Next" button is a step control, not the final submit.
	page := &driver.PageState{URL: "https://careers.acme.com/apply", HTML: `
		<form>
			<button type="submit" id="next-btn">Next</button>
		</form>`}

	action, err := g.NextAction(page, models.Profile{Email: "a@b.c"}, nil)
	require.NoError(t, err)
	assert.Equal(t, driver.ActionClick, action.Kind)
	assert.Equal(t, "next_step", action.Field)
	assert.Equal(t, "#next-btn", action.Selector)
}

func TestGenericErrorsWhenNothingActionable(t *testing.T) {
	g := NewGeneric()
	page := &driver.PageState{URL: "https://careers.acme.com/apply", HTML: `<div>static page</div>`}

	_, err := g.NextAction(page, testProfile(), nil)
	assert.Error(t, err)
}

func TestBreezyFillsFixedFieldSet(t *testing.T) {
	b := NewBreezy()
	page := &driver.PageState{URL: "https://acme.breezy.hr/p/123/apply", HTML: `
		<form>
			<input name="name">
			<input name="email">
			<input name="phone_number">
			<textarea name="cover_letter"></textarea>
			<input type="file" name="resume">
			<button class="submit-application">Submit</button>
		</form>`}

	action, err := b.NextAction(page, testProfile(), nil)
	require.NoError(t, err)
	assert.Equal(t, "full_name", action.Field)
	assert.Equal(t, "Ada Lovelace", action.Value)
}
