package intervention

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/applyd/applyd/internal/blocker"
	"github.com/applyd/applyd/internal/driver"
	"github.com/applyd/applyd/internal/notify"
	"github.com/applyd/applyd/internal/solver"
	"github.com/applyd/applyd/pkg/models"
)

// Manager owns intervention records: creation when a blocker cannot be
// resolved automatically, the one-shot auto-solve delegation, and human or
// programmatic resolution.
type Manager struct {
	mu            sync.RWMutex
	interventions map[string]*models.Intervention
	openBySession map[string]string
	bySession     map[string][]string

	hub    *notify.Hub
	solver solver.Solver // nil when the capability is not configured
}

// NewManager creates an intervention manager. solver may be nil.
func NewManager(hub *notify.Hub, s solver.Solver) *Manager {
	return &Manager{
		interventions: make(map[string]*models.Intervention),
		openBySession: make(map[string]string),
		bySession:     make(map[string][]string),
		hub:           hub,
		solver:        s,
	}
}

// SolverConfigured reports whether delegated auto-solve is available.
func (m *Manager) SolverConfigured() bool {
	return m.solver != nil
}

// TryAutoSolve delegates a verification challenge to the external solving
// service once and injects the returned token into the page. A nil error
// means the blocker is gone and the step loop may continue.
func (m *Manager) TryAutoSolve(ctx context.Context, d driver.Driver, page *driver.PageState, blk blocker.Blocker) error {
	if m.solver == nil {
		return fmt.Errorf("no solver configured")
	}
	if !blk.Type.AutoSolvable() {
		return fmt.Errorf("blocker %s is not auto-solvable", blk.Type)
	}

	sitekey := blocker.ExtractSitekey(page.HTML)
	if sitekey == "" {
		return fmt.Errorf("no sitekey found on %s", page.URL)
	}

	token, err := m.solver.Solve(ctx, solver.Challenge{
		Vendor:  blk.Subtype,
		Sitekey: sitekey,
		PageURL: page.URL,
	})
	if err != nil {
		return fmt.Errorf("delegated solve failed: %w", err)
	}

	if err := injectToken(ctx, d, blk.Subtype, token); err != nil {
		return fmt.Errorf("failed to inject solve token: %w", err)
	}

	log.Printf("intervention: auto-solved %s challenge on %s", blk.Subtype, page.URL)
	return nil
}

// responseFields maps challenge vendors to the hidden response field the
// token must land in
var responseFields = map[string]string{
	"cloudflare": "cf-turnstile-response",
	"hcaptcha":   "h-captcha-response",
	"recaptcha":  "g-recaptcha-response",
}

func injectToken(ctx context.Context, d driver.Driver, vendor, token string) error {
	field, ok := responseFields[vendor]
	if !ok {
		return fmt.Errorf("unknown challenge vendor %q", vendor)
	}

	script := fmt.Sprintf(`(() => {
		const els = document.querySelectorAll('[name="%s"]');
		els.forEach((el) => { el.value = '%s'; });
		return els.length > 0;
	})()`, field, token)

	result, err := d.Evaluate(ctx, script)
	if err != nil {
		return err
	}
	if result != "true" {
		return fmt.Errorf("no %s field on page", field)
	}
	return nil
}

// Open creates a pending intervention for the session. A session with an
// open intervention rejects a second one.
func (m *Manager) Open(sessionID string, blk blocker.Blocker, pageURL string, autoAttempted bool, autoErr error) (*models.Intervention, error) {
	m.mu.Lock()
	if existing, ok := m.openBySession[sessionID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", models.ErrConflictingIntervention, existing)
	}

	iv := &models.Intervention{
		ID:                 uuid.New().String(),
		SessionID:          sessionID,
		Type:               blk.Type,
		Subtype:            blk.Subtype,
		Message:            blk.Message,
		PageURL:            pageURL,
		AutoSolveAttempted: autoAttempted,
		Status:             models.InterventionPending,
		CreatedAt:          time.Now(),
	}
	if autoErr != nil {
		iv.AutoSolveError = autoErr.Error()
	}

	m.interventions[iv.ID] = iv
	m.openBySession[sessionID] = iv.ID
	m.bySession[sessionID] = append(m.bySession[sessionID], iv.ID)
	out := iv.Clone()
	m.mu.Unlock()

	log.Printf("intervention: opened %s (%s) for session %s", out.ID[:8], out.Type, sessionID[:8])
	m.hub.BroadcastIntervention(out)
	return out, nil
}

// Resolve marks the intervention resolved and stores the payload. The
// session manager calls this and then drives the resume itself.
func (m *Manager) Resolve(id string, payload json.RawMessage) (*models.Intervention, error) {
	m.mu.Lock()
	iv, ok := m.interventions[id]
	if !ok {
		m.mu.Unlock()
		return nil, models.ErrInterventionNotFound
	}
	if iv.Status == models.InterventionResolved {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: intervention %s already resolved", models.ErrInvalidTransition, id)
	}

	now := time.Now()
	iv.Status = models.InterventionResolved
	iv.ResolvedAt = &now
	iv.ResolutionPayload = payload
	delete(m.openBySession, iv.SessionID)
	out := iv.Clone()
	m.mu.Unlock()

	log.Printf("intervention: resolved %s for session %s", out.ID[:8], out.SessionID[:8])
	m.hub.BroadcastInterventionResolved(out)
	return out, nil
}

// Get returns a copy of an intervention by id.
func (m *Manager) Get(id string) (*models.Intervention, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	iv, ok := m.interventions[id]
	if !ok {
		return nil, models.ErrInterventionNotFound
	}
	return iv.Clone(), nil
}

// OpenForSession returns the session's pending intervention, if any.
func (m *Manager) OpenForSession(sessionID string) (*models.Intervention, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.openBySession[sessionID]
	if !ok {
		return nil, false
	}
	return m.interventions[id].Clone(), true
}

// ListPending returns every pending intervention, newest first.
func (m *Manager) ListPending() []*models.Intervention {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pending := make([]*models.Intervention, 0)
	for _, iv := range m.interventions {
		if iv.Status == models.InterventionPending {
			pending = append(pending, iv.Clone())
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.After(pending[j].CreatedAt)
	})
	return pending
}

// ListBySession returns the session's full intervention history in
// creation order.
func (m *Manager) ListBySession(sessionID string) []*models.Intervention {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.bySession[sessionID]
	history := make([]*models.Intervention, 0, len(ids))
	for _, id := range ids {
		history = append(history, m.interventions[id].Clone())
	}
	return history
}
