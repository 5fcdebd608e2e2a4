package strategy

import (
	"log"
	"net/url"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"

	"github.com/applyd/applyd/internal/driver"
	"github.com/applyd/applyd/pkg/models"
)

// Strategy decides the next form-filling action for a family of sites.
// Implementations are stateless: NextAction is a pure function of the page
// state, the profile and the fill log. All progress lives in the session.
type Strategy interface {
	// Name identifies the strategy (e.g. "breezy", "generic").
	Name() string
	// Domains lists host suffixes this strategy claims outright.
	Domains() []string
	// Match is the heuristic DOM-fingerprint fallback when no domain claims
	// the page.
	Match(pageURL string, doc *goquery.Document) bool
	// NextAction returns the next action to perform, or an ActionSubmit once
	// every field it knows about is satisfied.
	NextAction(page *driver.PageState, profile models.Profile, fillLog []models.FillEntry) (driver.Action, error)
}

// Registry resolves the strategy for a page. Domain matches take precedence
// over fingerprint matches; the generic strategy is the fallback.
type Registry struct {
	mu         sync.RWMutex
	strategies []Strategy
	fallback   Strategy
}

// NewRegistry creates a registry with the built-in strategies installed.
func NewRegistry() *Registry {
	r := &Registry{fallback: NewGeneric()}
	r.Register(NewBreezy())
	return r
}

// Register adds a site-specific strategy.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies = append(r.strategies, s)
	log.Printf("strategy: registered %s", s.Name())
}

// Resolve picks the strategy for the given page.
func (r *Registry) Resolve(page *driver.PageState) Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	host := ""
	if u, err := url.Parse(page.URL); err == nil {
		host = strings.ToLower(u.Hostname())
	}

	for _, s := range r.strategies {
		for _, domain := range s.Domains() {
			if host == domain || strings.HasSuffix(host, "."+domain) {
				return s
			}
		}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err == nil {
		for _, s := range r.strategies {
			if s.Match(page.URL, doc) {
				return s
			}
		}
	}

	return r.fallback
}

// Names lists registered strategies plus the fallback.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.strategies)+1)
	for _, s := range r.strategies {
		names = append(names, s.Name())
	}
	return append(names, r.fallback.Name())
}

// fieldSpec binds a logical profile field to the selectors that locate it
type fieldSpec struct {
	field     string
	selectors string // comma-joined CSS selector alternatives
	value     func(models.Profile) string
}

// filled reports whether the fill log already covers the logical field.
func filled(fillLog []models.FillEntry, field string) bool {
	for _, entry := range fillLog {
		if entry.Field == field {
			return true
		}
	}
	return false
}

// nextFieldAction walks the field specs in order and returns the first
// action still outstanding on this page, or ok=false when none remain.
func nextFieldAction(doc *goquery.Document, specs []fieldSpec, profile models.Profile, fillLog []models.FillEntry) (driver.Action, bool) {
	for _, spec := range specs {
		value := spec.value(profile)
		if value == "" || filled(fillLog, spec.field) {
			continue
		}
		if doc.Find(spec.selectors).Length() == 0 {
			continue
		}
		return driver.Action{
			Kind:     driver.ActionFill,
			Field:    spec.field,
			Selector: spec.selectors,
			Value:    value,
		}, true
	}
	return driver.Action{}, false
}

// resumeUploadAction returns an upload action when the page has a file input
// and the profile carries a resume that is not attached yet.
func resumeUploadAction(doc *goquery.Document, selectors string, profile models.Profile, fillLog []models.FillEntry) (driver.Action, bool) {
	if profile.ResumePath == "" || filled(fillLog, "resume") {
		return driver.Action{}, false
	}
	if doc.Find(selectors).Length() == 0 {
		return driver.Action{}, false
	}
	return driver.Action{
		Kind:     driver.ActionUpload,
		Field:    "resume",
		Selector: selectors,
		FilePath: profile.ResumePath,
	}, true
}

// nextStepAction returns a click on a recognized wizard "next" control, if
// one is present. Unrecognized steps are left for the blocker detector.
func nextStepAction(doc *goquery.Document) (driver.Action, bool) {
	var selector string
	doc.Find(`button, input[type="submit"], a[role="button"]`).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		label := strings.ToLower(strings.TrimSpace(sel.Text()))
		if label == "" {
			label, _ = sel.Attr("value")
			label = strings.ToLower(label)
		}
		if label == "next" || strings.HasPrefix(label, "next ") || label == "continue" {
			selector = elementSelector(sel)
			return false
		}
		return true
	})

	if selector == "" {
		return driver.Action{}, false
	}
	return driver.Action{Kind: driver.ActionClick, Field: "next_step", Selector: selector}, true
}

// elementSelector derives a usable CSS selector for a matched element.
func elementSelector(sel *goquery.Selection) string {
	if id, ok := sel.Attr("id"); ok && id != "" {
		return "#" + id
	}
	if name, ok := sel.Attr("name"); ok && name != "" {
		return goquery.NodeName(sel) + `[name="` + name + `"]`
	}
	if class, ok := sel.Attr("class"); ok && class != "" {
		first := strings.Fields(class)[0]
		return goquery.NodeName(sel) + "." + first
	}
	return goquery.NodeName(sel)
}
