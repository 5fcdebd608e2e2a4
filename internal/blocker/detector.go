package blocker

import (
	"log"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/applyd/applyd/internal/driver"
	"github.com/applyd/applyd/pkg/models"
)

// Blocker is a classified obstacle on the current page
type Blocker struct {
	Type    models.BlockerType
	Subtype string
	Message string
}

// challengePatterns maps challenge vendors to HTML markers
var challengePatterns = map[string][]string{
	"cloudflare": {"cf-turnstile", "challenge-platform", "__cf_bm", "turnstile"},
	"hcaptcha":   {"h-captcha", "hcaptcha.com", "hcaptcha-response"},
	"recaptcha":  {"g-recaptcha", "recaptcha.net", "grecaptcha", "recaptcha-response"},
}

var loginPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/sign[-_]?in`),
	regexp.MustCompile(`/log[-_]?in`),
	regexp.MustCompile(`/auth/`),
	regexp.MustCompile(`please\s+(log|sign)\s+in`),
	regexp.MustCompile(`(log|sign)\s+in\s+to\s+continue`),
	regexp.MustCompile(`login\s+required`),
	regexp.MustCompile(`authentication\s+required`),
	regexp.MustCompile(`session\s+expired`),
}

var multiStepPatterns = []*regexp.Regexp{
	regexp.MustCompile(`step\s+\d+\s+of\s+\d+`),
	regexp.MustCompile(`page\s+\d+\s+of\s+\d+`),
	regexp.MustCompile(`class="[^"]*wizard[^"]*"`),
	regexp.MustCompile(`class="[^"]*multi[-_]?step[^"]*"`),
}

var reviewPatterns = []*regexp.Regexp{
	regexp.MustCompile(`review\s+your\s+application`),
	regexp.MustCompile(`review\s+before\s+submit`),
	regexp.MustCompile(`please\s+review\s+and\s+confirm`),
	regexp.MustCompile(`confirm\s+your\s+(application|submission)`),
}

var errorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b(500|502|503)\s+(internal\s+server\s+error|bad\s+gateway|service\s+unavailable)`),
	regexp.MustCompile(`something\s+went\s+wrong`),
	regexp.MustCompile(`position\s+(is\s+)?no\s+longer\s+(available|accepting)`),
}

var submittedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`application\s+(submitted|received|complete)`),
	regexp.MustCompile(`thank\s+you\s+for\s+(applying|your\s+application)`),
	regexp.MustCompile(`we('ve|\s+have)\s+received\s+your\s+application`),
	regexp.MustCompile(`successfully\s+(submitted|applied)`),
}

// applicationMarkers distinguish an application page that merely contains a
// password field from an actual login wall.
var applicationMarkers = []string{"apply", "application", "resume", "cover letter"}

// Detector classifies post-action page state into the closed blocker
// taxonomy. Overlapping signals resolve to the highest-priority type, so a
// review prompt behind an unsolved challenge never surfaces first.
type Detector struct{}

// NewDetector creates a detector.
func NewDetector() *Detector {
	return &Detector{}
}

// Classify inspects the page and returns exactly one blocker, or a blocker
// of type none. Checks run in strict priority order.
func (d *Detector) Classify(page *driver.PageState) Blocker {
	htmlLower := strings.ToLower(page.HTML)
	urlLower := strings.ToLower(page.URL)

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		log.Printf("blocker: failed to parse page %s: %v", page.URL, err)
		doc = nil
	}

	checks := []func(string, string, *goquery.Document) *Blocker{
		d.detectPageError,
		d.detectChallenge,
		d.detectLoginRequired,
		d.detectFileUpload,
		d.detectCustomQuestion,
		d.detectMultiStep,
		d.detectReview,
	}

	for _, check := range checks {
		if b := check(htmlLower, urlLower, doc); b != nil {
			log.Printf("blocker: %s detected on %s (%s)", b.Type, page.URL, b.Message)
			return *b
		}
	}

	return Blocker{Type: models.BlockerNone}
}

// Submitted reports whether the page already shows a submission
// confirmation. Consulted before repeating any submission-class action so a
// replayed step never submits twice.
func (d *Detector) Submitted(page *driver.PageState) bool {
	htmlLower := strings.ToLower(page.HTML)
	for _, pattern := range submittedPatterns {
		if pattern.MatchString(htmlLower) {
			return true
		}
	}
	return false
}

func (d *Detector) detectPageError(htmlLower, urlLower string, doc *goquery.Document) *Blocker {
	for _, pattern := range errorPatterns {
		if pattern.MatchString(htmlLower) {
			return &Blocker{Type: models.BlockerError, Message: "page reports an unrecoverable error"}
		}
	}
	return nil
}

func (d *Detector) detectChallenge(htmlLower, urlLower string, doc *goquery.Document) *Blocker {
	for vendor, markers := range challengePatterns {
		for _, marker := range markers {
			if strings.Contains(htmlLower, marker) {
				return &Blocker{
					Type:    models.BlockerVerificationChallenge,
					Subtype: vendor,
					Message: vendor + " challenge detected",
				}
			}
		}
	}
	return nil
}

func (d *Detector) detectLoginRequired(htmlLower, urlLower string, doc *goquery.Document) *Blocker {
	for _, pattern := range loginPatterns {
		if pattern.MatchString(urlLower) || pattern.MatchString(htmlLower) {
			return &Blocker{Type: models.BlockerLoginRequired, Message: "login required to reach the application form"}
		}
	}

	// A password field outside an application page is a login wall.
	if doc != nil && doc.Find(`input[type="password"]`).Length() > 0 {
		for _, marker := range applicationMarkers {
			if strings.Contains(htmlLower, marker) {
				return nil
			}
		}
		return &Blocker{Type: models.BlockerLoginRequired, Message: "page appears to be a login page"}
	}
	return nil
}

func (d *Detector) detectFileUpload(htmlLower, urlLower string, doc *goquery.Document) *Blocker {
	if doc == nil {
		return nil
	}
	if doc.Find(`input[type="file"][required]`).Length() > 0 {
		return &Blocker{Type: models.BlockerFileUpload, Message: "form requires a file attachment"}
	}
	return nil
}

func (d *Detector) detectCustomQuestion(htmlLower, urlLower string, doc *goquery.Document) *Blocker {
	if doc == nil {
		return nil
	}

	found := false
	doc.Find("textarea[required], select[required]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		name, _ := sel.Attr("name")
		id, _ := sel.Attr("id")
		ident := strings.ToLower(name + " " + id)
		// Cover-letter textareas are filled from the profile, not answered.
		if strings.Contains(ident, "cover") {
			return true
		}
		found = true
		return false
	})

	if found {
		return &Blocker{Type: models.BlockerCustomQuestion, Message: "form contains bespoke required questions"}
	}
	return nil
}

func (d *Detector) detectMultiStep(htmlLower, urlLower string, doc *goquery.Document) *Blocker {
	for _, pattern := range multiStepPatterns {
		if pattern.MatchString(htmlLower) {
			return &Blocker{Type: models.BlockerMultiStepForm, Message: "multi-step form detected"}
		}
	}
	return nil
}

func (d *Detector) detectReview(htmlLower, urlLower string, doc *goquery.Document) *Blocker {
	for _, pattern := range reviewPatterns {
		if pattern.MatchString(htmlLower) {
			return &Blocker{Type: models.BlockerReviewBeforeSubmit, Message: "site asks for a final review before submitting"}
		}
	}
	return nil
}

// sitekeyPatterns extract the widget sitekey the solver capability needs
var sitekeyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`data-sitekey=["']([^"']+)["']`),
	regexp.MustCompile(`sitekey:\s*["']([^"']+)["']`),
}

// ExtractSitekey pulls a challenge sitekey out of the page HTML, if present.
func ExtractSitekey(html string) string {
	for _, pattern := range sitekeyPatterns {
		if match := pattern.FindStringSubmatch(html); len(match) > 1 {
			return match[1]
		}
	}
	return ""
}
