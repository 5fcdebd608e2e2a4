package blocker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/applyd/applyd/internal/driver"
	"github.com/applyd/applyd/pkg/models"
)

func page(url, html string) *driver.PageState {
	return &driver.PageState{URL: url, HTML: html}
}

func TestClassifyCleanApplicationForm(t *testing.T) {
	d := NewDetector()
	blk := d.Classify(page("https://jobs.example.com/apply", `
		<form>
			<input type="text" name="first_name">
			<input type="email" name="email">
			<button type="submit">Apply</button>
		</form>`))
	assert.Equal(t, models.BlockerNone, blk.Type)
}

func TestClassifyVerificationChallenges(t *testing.T) {
	d := NewDetector()

	cases := map[string]struct {
		html    string
		subtype string
	}{
		"cloudflare turnstile": {`<div class="cf-turnstile" data-sitekey="0x4AAA"></div>`, "cloudflare"},
		"hcaptcha":             {`<div class="h-captcha" data-sitekey="abc"></div>`, "hcaptcha"},
		"recaptcha":            {`<div class="g-recaptcha" data-sitekey="xyz"></div>`, "recaptcha"},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			blk := d.Classify(page("https://jobs.example.com/apply", tc.html))
			assert.Equal(t, models.BlockerVerificationChallenge, blk.Type)
			assert.Equal(t, tc.subtype, blk.Subtype)
		})
	}
}

func TestClassifyLoginWall(t *testing.T) {
	d := NewDetector()

	blk := d.Classify(page("https://example.com/sign-in?next=/jobs/123", "<html></html>"))
	assert.Equal(t, models.BlockerLoginRequired, blk.Type)

	blk = d.Classify(page("https://example.com/account", `
		<form><input type="password" name="pw"><button>Go</button></form>`))
	assert.Equal(t, models.BlockerLoginRequired, blk.Type)
}

func TestClassifyPasswordFieldOnApplicationPageIsNotLogin(t *testing.T) {
	d := NewDetector()

	// Some boards let candidates create an account inline while applying.
	blk := d.Classify(page("https://jobs.example.com/123", `
		<h1>Apply for this position</h1>
		<form>
			<input type="email" name="email">
			<input type="password" name="new_password">
			<input type="text" name="resume">
		</form>`))
	assert.NotEqual(t, models.BlockerLoginRequired, blk.Type)
}

func TestClassifyRequiredFileUpload(t *testing.T) {
	d := NewDetector()
	blk := d.Classify(page("https://jobs.example.com/apply", `
		<form><input type="file" name="resume" required></form>`))
	assert.Equal(t, models.BlockerFileUpload, blk.Type)
}

func TestClassifyCustomQuestion(t *testing.T) {
	d := NewDetector()

	blk := d.Classify(page("https://jobs.example.com/apply", `
		<form><textarea name="why_us" required></textarea></form>`))
	assert.Equal(t, models.BlockerCustomQuestion, blk.Type)

	// Cover-letter textareas are profile-filled, not bespoke questions.
	blk = d.Classify(page("https://jobs.example.com/apply", `
		<form><textarea name="cover_letter" required></textarea></form>`))
	assert.NotEqual(t, models.BlockerCustomQuestion, blk.Type)
}

func TestClassifyMultiStepForm(t *testing.T) {
	d := NewDetector()
	blk := d.Classify(page("https://jobs.example.com/apply", `
		<div>Step 2 of 4</div><form><input name="x"></form>`))
	assert.Equal(t, models.BlockerMultiStepForm, blk.Type)
}

func TestClassifyReviewPrompt(t *testing.T) {
	d := NewDetector()
	blk := d.Classify(page("https://jobs.example.com/apply", `
		<h2>Review your application</h2><button type="submit">Confirm</button>`))
	assert.Equal(t, models.BlockerReviewBeforeSubmit, blk.Type)
}

func TestClassifyPageError(t *testing.T) {
	d := NewDetector()
	blk := d.Classify(page("https://jobs.example.com/apply",
		`<h1>500 Internal Server Error</h1>`))
	assert.Equal(t, models.BlockerError, blk.Type)
}

func TestClassifyPriorityOrder(t *testing.T) {
	d := NewDetector()

	// A challenge page that also mentions reviewing the application must
	// surface the challenge: it is the obstacle actually in the way.
	blk := d.Classify(page("https://jobs.example.com/apply", `
		<h2>Review your application</h2>
		<div class="g-recaptcha" data-sitekey="xyz"></div>`))
	assert.Equal(t, models.BlockerVerificationChallenge, blk.Type)

	// An error page trumps everything.
	blk = d.Classify(page("https://jobs.example.com/apply", `
		<h1>Something went wrong</h1>
		<div class="g-recaptcha"></div>`))
	assert.Equal(t, models.BlockerError, blk.Type)
}

func TestSubmittedConfirmationMarkers(t *testing.T) {
	d := NewDetector()

	assert.True(t, d.Submitted(page("https://jobs.example.com/done",
		`<h1>Thank you for applying!</h1>`)))
	assert.True(t, d.Submitted(page("https://jobs.example.com/done",
		`<p>We've received your application.</p>`)))
	assert.False(t, d.Submitted(page("https://jobs.example.com/apply",
		`<form><button type="submit">Apply</button></form>`)))
}

func TestExtractSitekey(t *testing.T) {
	assert.Equal(t, "0x4AAAAAAA",
		ExtractSitekey(`<div class="cf-turnstile" data-sitekey="0x4AAAAAAA"></div>`))
	assert.Equal(t, "6LeIxAcT",
		ExtractSitekey(`<script>grecaptcha.render(el, { sitekey: '6LeIxAcT' });</script>`))
	assert.Equal(t, "", ExtractSitekey(`<div>no widget here</div>`))
}
