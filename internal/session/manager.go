package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/applyd/applyd/internal/blocker"
	"github.com/applyd/applyd/internal/driver"
	"github.com/applyd/applyd/internal/intervention"
	"github.com/applyd/applyd/internal/notify"
	"github.com/applyd/applyd/internal/ratelimit"
	"github.com/applyd/applyd/internal/strategy"
	"github.com/applyd/applyd/pkg/models"
)

// ConfirmPolicy decides whether a semi_auto session still needs human
// confirmation before final submission, given the blockers it hit on the way.
type ConfirmPolicy func(sess *models.Session, history []*models.Intervention) bool

// DefaultConfirmPolicy requires confirmation whenever the run was not clean:
// any intervention on the way down means a human looks before submission.
func DefaultConfirmPolicy(sess *models.Session, history []*models.Intervention) bool {
	return len(history) > 0
}

// Options tune the step loop
type Options struct {
	StepRetries     int           // driver retries per action
	RetryBackoff    time.Duration // base backoff between retries
	StepDelay       time.Duration // politeness delay between auto-run steps
	AutoRun         bool          // drive semi_auto/auto sessions internally
	SemiAutoConfirm ConfirmPolicy
}

func (o *Options) defaults() {
	if o.StepRetries == 0 {
		o.StepRetries = 3
	}
	if o.RetryBackoff == 0 {
		o.RetryBackoff = 500 * time.Millisecond
	}
	if o.StepDelay == 0 {
		o.StepDelay = 500 * time.Millisecond
	}
	if o.SemiAutoConfirm == nil {
		o.SemiAutoConfirm = DefaultConfirmPolicy
	}
}

// Manager owns the session state machine and drives the step loop:
// resolve a strategy action, invoke the driver, classify the result.
// Advance calls for one session never overlap; sessions only share the
// driver pool and the submission budget.
type Manager struct {
	sessions sync.Map // id -> *models.Session
	locks    sync.Map // id -> *sync.Mutex serializing steps
	states   sync.Map // id -> *sync.Mutex guarding session field access
	leases   sync.Map // id -> *driver.Lease
	waits    sync.Map // id -> context.CancelFunc for in-flight pool waits and driver calls

	pool          *driver.Pool
	registry      *strategy.Registry
	detector      *blocker.Detector
	interventions *intervention.Manager
	budget        *ratelimit.Budget
	hub           *notify.Hub
	store         *Store
	opts          Options
}

// NewManager wires the session manager.
func NewManager(
	pool *driver.Pool,
	registry *strategy.Registry,
	detector *blocker.Detector,
	interventions *intervention.Manager,
	budget *ratelimit.Budget,
	hub *notify.Hub,
	store *Store,
	opts Options,
) *Manager {
	opts.defaults()
	m := &Manager{
		pool:          pool,
		registry:      registry,
		detector:      detector,
		interventions: interventions,
		budget:        budget,
		hub:           hub,
		store:         store,
		opts:          opts,
	}
	hub.SetSnapshotFunc(m.Snapshot)
	return m
}

// validTransitions is the session state machine. Terminal states have no
// entry: nothing leaves them.
var validTransitions = map[models.SessionStatus][]models.SessionStatus{
	models.StatusPending:           {models.StatusInProgress, models.StatusFailed, models.StatusCancelled},
	models.StatusInProgress:        {models.StatusPaused, models.StatusNeedsIntervention, models.StatusSubmitted, models.StatusFailed, models.StatusCancelled},
	models.StatusPaused:            {models.StatusInProgress, models.StatusCancelled},
	models.StatusNeedsIntervention: {models.StatusInProgress, models.StatusCancelled},
}

// transition commits a state change: validates it, appends history, persists
// the snapshot and notifies observers. Callers hold the session lock.
func (m *Manager) transition(sess *models.Session, to models.SessionStatus, reason string) error {
	allowed := false
	for _, s := range validTransitions[sess.Status] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, sess.Status, to)
	}

	now := time.Now()
	st := m.stateLock(sess.ID)
	st.Lock()
	sess.History = append(sess.History, models.Transition{From: sess.Status, To: to, Reason: reason, At: now})
	sess.Status = to
	sess.UpdatedAt = now
	st.Unlock()

	if err := m.store.Save(sess); err != nil {
		log.Printf("warning: failed to persist session %s: %v", sess.ID[:8], err)
	}

	log.Printf("session %s: %s (%s)", sess.ID[:8], to, reason)
	m.hub.BroadcastSessionUpdate(m.snapshotOf(sess))
	return nil
}

func (m *Manager) lockFor(id string) *sync.Mutex {
	v, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// stateLock guards the session's fields. The step lock serializes whole
// steps and may be held across driver round-trips; the state lock is held
// only around field access so readers never wait on a page load.
func (m *Manager) stateLock(id string) *sync.Mutex {
	v, _ := m.states.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// snapshotOf takes a point-in-time copy of the session under its state
// lock. Everything handed outside the manager is a snapshot; the live
// record is mutated concurrently by the step loop.
func (m *Manager) snapshotOf(sess *models.Session) *models.Session {
	st := m.stateLock(sess.ID)
	st.Lock()
	defer st.Unlock()
	return sess.Clone()
}

// interruptible derives a context for a pool wait or driver call and
// registers its cancel function so Cancel can cut the work short without
// waiting for the step lock.
func (m *Manager) interruptible(ctx context.Context, id string) (context.Context, func()) {
	workCtx, cancel := context.WithCancel(ctx)
	m.waits.Store(id, cancel)
	return workCtx, func() {
		m.waits.Delete(id)
		cancel()
	}
}

func (m *Manager) lease(id string) *driver.Lease {
	v, ok := m.leases.Load(id)
	if !ok {
		return nil
	}
	return v.(*driver.Lease)
}

func (m *Manager) releaseLease(id string) {
	if v, ok := m.leases.LoadAndDelete(id); ok {
		v.(*driver.Lease).Release()
	}
}

// live returns the manager-owned record. Only step-lock holders may touch
// its fields; everyone else goes through Get.
func (m *Manager) live(id string) (*models.Session, error) {
	v, ok := m.sessions.Load(id)
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	return v.(*models.Session), nil
}

// Get retrieves a point-in-time copy of a session.
func (m *Manager) Get(id string) (*models.Session, error) {
	sess, err := m.live(id)
	if err != nil {
		return nil, err
	}
	return m.snapshotOf(sess), nil
}

// List returns session snapshots, optionally filtered by status, newest first.
func (m *Manager) List(status models.SessionStatus) []*models.Session {
	sessions := make([]*models.Session, 0)
	m.sessions.Range(func(_, value interface{}) bool {
		snap := m.snapshotOf(value.(*models.Session))
		if status == "" || snap.Status == status {
			sessions = append(sessions, snap)
		}
		return true
	})
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions
}

// Snapshot assembles the initial_state payload for live observers: the
// session plus its full intervention history.
func (m *Manager) Snapshot(id string) (interface{}, error) {
	sess, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return struct {
		Session       *models.Session        `json:"session"`
		Interventions []*models.Intervention `json:"interventions"`
	}{sess, m.interventions.ListBySession(id)}, nil
}

// Restore repopulates the manager from persisted snapshots after a process
// restart. Sessions that were mid-flight lost their driver with the process
// and come back paused at their recorded cursor.
func (m *Manager) Restore() (int, error) {
	sessions, err := m.store.LoadAll()
	if err != nil {
		return 0, err
	}

	for _, sess := range sessions {
		m.sessions.Store(sess.ID, sess)
		if sess.Status == models.StatusInProgress {
			if err := m.transition(sess, models.StatusPaused, "process restart"); err != nil {
				log.Printf("warning: failed to park restored session %s: %v", sess.ID[:8], err)
			}
		}
	}
	return len(sessions), nil
}

// Start creates a session and immediately attempts its first transition to
// in_progress. An unresolvable job reference fails with ErrInvalidInput; an
// exhausted pool leaves the session pending and surfaces the error.
func (m *Manager) Start(ctx context.Context, req models.StartSessionRequest) (*models.Session, error) {
	mode := req.Mode
	if mode == "" {
		mode = models.ModeAssisted
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: unknown mode %q", models.ErrInvalidInput, req.Mode)
	}
	u, err := url.Parse(req.JobURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: job url %q is unresolvable", models.ErrInvalidInput, req.JobURL)
	}
	if req.Profile.Email == "" {
		return nil, fmt.Errorf("%w: profile email is required", models.ErrInvalidInput)
	}

	now := time.Now()
	sess := &models.Session{
		ID:           uuid.New().String(),
		JobURL:       req.JobURL,
		Mode:         mode,
		Status:       models.StatusPending,
		FillLog:      []models.FillEntry{},
		ArtifactRefs: []string{},
		Profile:      req.Profile,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	m.sessions.Store(sess.ID, sess)
	if err := m.store.Save(sess); err != nil {
		log.Printf("warning: failed to persist session %s: %v", sess.ID[:8], err)
	}

	mu := m.lockFor(sess.ID)
	mu.Lock()
	defer mu.Unlock()

	if sess.Status != models.StatusPending {
		// cancelled while this call was still setting up
		return m.snapshotOf(sess), nil
	}

	if err := m.acquireDriver(ctx, sess); err != nil {
		return m.snapshotOf(sess), err // session stays pending
	}

	navCtx, navDone := m.interruptible(ctx, sess.ID)
	err = m.navigateTo(navCtx, sess, sess.JobURL)
	navDone()
	if err != nil {
		m.releaseLease(sess.ID)
		if errors.Is(err, context.Canceled) {
			// Cancel interrupted the load; it finishes the session itself.
			return m.snapshotOf(sess), err
		}
		st := m.stateLock(sess.ID)
		st.Lock()
		sess.FailureReason = err.Error()
		st.Unlock()
		m.transition(sess, models.StatusFailed, "initial navigation failed: "+err.Error())
		return m.snapshotOf(sess), err
	}

	st := m.stateLock(sess.ID)
	st.Lock()
	sess.CurrentURL = sess.JobURL
	st.Unlock()

	if err := m.transition(sess, models.StatusInProgress, "started"); err != nil {
		return m.snapshotOf(sess), err
	}
	m.maybeRun(sess)
	return m.snapshotOf(sess), nil
}

// acquireDriver draws a browsing context from the pool, keeping the wait
// interruptible by Cancel.
func (m *Manager) acquireDriver(ctx context.Context, sess *models.Session) error {
	waitCtx, done := m.interruptible(ctx, sess.ID)
	defer done()

	lease, err := m.pool.Acquire(waitCtx, sess.ID)
	if err != nil {
		return err
	}
	m.leases.Store(sess.ID, lease)
	return nil
}

// Advance executes exactly one automation step and applies the resulting
// transition. Calls for the same session are serialized; re-invoking after
// a crash never duplicates a submission because the observed page state is
// consulted before any submission-class action.
func (m *Manager) Advance(ctx context.Context, id string) (*models.Session, error) {
	sess, err := m.live(id)
	if err != nil {
		return nil, err
	}

	mu := m.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	if sess.Status != models.StatusInProgress {
		return m.snapshotOf(sess), fmt.Errorf("%w: cannot advance session in %s", models.ErrInvalidTransition, sess.Status)
	}

	// Driver calls for this step run under an interruptible context so a
	// concurrent Cancel unblocks them instead of queueing on the step lock.
	stepCtx, stepDone := m.interruptible(ctx, id)
	defer stepDone()

	page, err := m.pageState(stepCtx, sess)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return m.snapshotOf(sess), err
		}
		return m.park(ctx, sess, &driver.PageState{URL: sess.CurrentURL}, blocker.Blocker{
			Type:    models.BlockerError,
			Message: err.Error(),
		}, false, nil)
	}

	strat := m.registry.Resolve(page)
	action, err := strat.NextAction(page, sess.Profile, sess.FillLog)
	if err != nil {
		blk := m.detector.Classify(page)
		if blk.Type == models.BlockerNone {
			blk = blocker.Blocker{Type: models.BlockerError, Message: err.Error()}
		}
		return m.park(ctx, sess, page, blk, false, nil)
	}

	if action.Kind == driver.ActionSubmit {
		return m.submit(stepCtx, sess, page, action)
	}

	if err := m.perform(stepCtx, sess, action); err != nil {
		if errors.Is(err, context.Canceled) {
			return m.snapshotOf(sess), err
		}
		return m.park(ctx, sess, page, blocker.Blocker{Type: models.BlockerError, Message: err.Error()}, false, nil)
	}

	after, err := m.pageState(stepCtx, sess)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return m.snapshotOf(sess), err
		}
		return m.park(ctx, sess, page, blocker.Blocker{Type: models.BlockerError, Message: err.Error()}, false, nil)
	}

	blk := m.detector.Classify(after)
	switch blk.Type {
	case models.BlockerNone, models.BlockerReviewBeforeSubmit:
		// review prompts are acted on at submission time, per mode policy

	case models.BlockerMultiStepForm:
		// partial auto-solve: steps the strategy recognizes keep going
		if _, nextErr := strat.NextAction(after, sess.Profile, appendEntry(sess, action)); nextErr != nil {
			return m.park(ctx, sess, after, blk, false, nil)
		}

	case models.BlockerFileUpload:
		if sess.Profile.ResumePath == "" {
			return m.park(ctx, sess, after, blk, false, nil)
		}

	case models.BlockerVerificationChallenge:
		if !m.interventions.SolverConfigured() {
			return m.park(ctx, sess, after, blk, false, nil)
		}
		lease := m.lease(sess.ID)
		if solveErr := m.interventions.TryAutoSolve(stepCtx, lease.Driver, after, blk); solveErr != nil {
			if errors.Is(solveErr, context.Canceled) {
				return m.snapshotOf(sess), solveErr
			}
			return m.park(ctx, sess, after, blk, true, solveErr)
		}

	default: // login_required, custom_question, error
		return m.park(ctx, sess, after, blk, false, nil)
	}

	m.commitStep(ctx, sess, action, after)
	return m.snapshotOf(sess), nil
}

// appendEntry builds the prospective fill log including the action just
// performed, for look-ahead strategy calls before the step is committed.
func appendEntry(sess *models.Session, action driver.Action) []models.FillEntry {
	if (action.Kind != driver.ActionFill && action.Kind != driver.ActionUpload) || action.Field == "" {
		return sess.FillLog
	}
	entry := models.FillEntry{
		Step:     sess.Cursor + 1,
		Field:    action.Field,
		Selector: action.Selector,
		Value:    action.Value,
	}
	if action.Kind == driver.ActionUpload {
		entry.Value = action.FilePath
	}
	return append(append([]models.FillEntry{}, sess.FillLog...), entry)
}

// submit finishes a session. The budget is consulted immediately before the
// submission side effect, never earlier, and an already-confirmed page is
// recognized so a replayed step does not submit twice.
func (m *Manager) submit(ctx context.Context, sess *models.Session, page *driver.PageState, action driver.Action) (*models.Session, error) {
	if m.detector.Submitted(page) {
		m.commitSubmit(ctx, sess, page, "confirmation already present")
		return m.snapshotOf(sess), nil
	}

	if blk := m.detector.Classify(page); blk.Type != models.BlockerNone &&
		blk.Type != models.BlockerReviewBeforeSubmit &&
		blk.Type != models.BlockerMultiStepForm {
		return m.park(ctx, sess, page, blk, false, nil)
	}

	if m.requiresConfirmation(sess) {
		return m.park(ctx, sess, page, blocker.Blocker{
			Type:    models.BlockerReviewBeforeSubmit,
			Message: "final review required before submission",
		}, false, nil)
	}

	if scopes := budgetScopes(sess.Mode); len(scopes) > 0 {
		if err := m.budget.CheckAndIncrement(scopes...); err != nil {
			return m.snapshotOf(sess), err // session unmodified, pre-submission status kept
		}
	}

	if err := m.perform(ctx, sess, action); err != nil {
		if errors.Is(err, context.Canceled) {
			return m.snapshotOf(sess), err
		}
		return m.park(ctx, sess, page, blocker.Blocker{Type: models.BlockerError, Message: err.Error()}, false, nil)
	}

	after, err := m.pageState(ctx, sess)
	if err == nil && !m.detector.Submitted(after) {
		if blk := m.detector.Classify(after); blk.Type != models.BlockerNone {
			return m.park(ctx, sess, after, blk, false, nil)
		}
	}
	if after == nil {
		after = page
	}

	m.commitSubmit(ctx, sess, after, "application submitted")
	return m.snapshotOf(sess), nil
}

func (m *Manager) commitSubmit(ctx context.Context, sess *models.Session, page *driver.PageState, reason string) {
	m.captureArtifact(ctx, sess)
	st := m.stateLock(sess.ID)
	st.Lock()
	sess.Cursor++
	sess.CurrentURL = page.URL
	st.Unlock()
	m.releaseLease(sess.ID)
	m.transition(sess, models.StatusSubmitted, reason)
}

// requiresConfirmation applies the mode policy for final submission.
func (m *Manager) requiresConfirmation(sess *models.Session) bool {
	if sess.ReviewApproved {
		return false
	}
	switch sess.Mode {
	case models.ModeAssisted:
		return true
	case models.ModeSemiAuto:
		return m.opts.SemiAutoConfirm(sess, m.interventions.ListBySession(sess.ID))
	}
	return false
}

// budgetScopes maps a mode to the daily budgets its submission consumes.
// Assisted submissions are unbudgeted: the user drives them.
func budgetScopes(mode models.Mode) []string {
	switch mode {
	case models.ModeAuto:
		return []string{ratelimit.ScopeAutomated, ratelimit.ScopeAuto}
	case models.ModeSemiAuto:
		return []string{ratelimit.ScopeAutomated}
	}
	return nil
}

// park opens an intervention for the blocker, releases the driver back to
// the pool and moves the session to needs_intervention.
func (m *Manager) park(ctx context.Context, sess *models.Session, page *driver.PageState, blk blocker.Blocker, autoAttempted bool, autoErr error) (*models.Session, error) {
	iv, err := m.interventions.Open(sess.ID, blk, page.URL, autoAttempted, autoErr)
	if err != nil {
		return m.snapshotOf(sess), err
	}

	st := m.stateLock(sess.ID)
	st.Lock()
	sess.OpenInterventionID = iv.ID
	st.Unlock()
	m.captureArtifact(ctx, sess)
	m.releaseLease(sess.ID)
	if err := m.transition(sess, models.StatusNeedsIntervention, string(blk.Type)); err != nil {
		return m.snapshotOf(sess), err
	}
	return m.snapshotOf(sess), nil
}

// commitStep records a completed step: fill log, cursor, current URL and a
// screenshot artifact, then persists and notifies.
func (m *Manager) commitStep(ctx context.Context, sess *models.Session, action driver.Action, after *driver.PageState) {
	st := m.stateLock(sess.ID)
	st.Lock()
	sess.Cursor++
	sess.CurrentURL = after.URL

	if action.Kind == driver.ActionFill || action.Kind == driver.ActionUpload {
		value := action.Value
		if action.Kind == driver.ActionUpload {
			value = action.FilePath
		}
		sess.FillLog = append(sess.FillLog, models.FillEntry{
			Step:     sess.Cursor,
			Field:    action.Field,
			Selector: action.Selector,
			Value:    value,
			FilledAt: time.Now(),
		})
	}
	sess.UpdatedAt = time.Now()
	st.Unlock()

	m.captureArtifact(ctx, sess)
	if err := m.store.Save(sess); err != nil {
		log.Printf("warning: failed to persist session %s: %v", sess.ID[:8], err)
	}
	m.hub.BroadcastSessionUpdate(m.snapshotOf(sess))
}

func (m *Manager) captureArtifact(ctx context.Context, sess *models.Session) {
	lease := m.lease(sess.ID)
	if lease == nil {
		return
	}
	png, err := lease.Driver.Screenshot(ctx)
	if err != nil {
		log.Printf("warning: screenshot failed for session %s: %v", sess.ID[:8], err)
		return
	}
	ref, err := m.store.SaveArtifact(sess.ID, sess.Cursor, png)
	if err != nil {
		log.Printf("warning: failed to store artifact for session %s: %v", sess.ID[:8], err)
		return
	}
	st := m.stateLock(sess.ID)
	st.Lock()
	sess.ArtifactRefs = append(sess.ArtifactRefs, ref)
	st.Unlock()
}

// Pause is valid only from in_progress: it records the cursor implicitly
// (the cursor always tracks the last committed step) and releases the
// driver back to the pool.
func (m *Manager) Pause(id string) (*models.Session, error) {
	sess, err := m.live(id)
	if err != nil {
		return nil, err
	}

	mu := m.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	if sess.Status != models.StatusInProgress {
		return m.snapshotOf(sess), fmt.Errorf("%w: cannot pause session in %s", models.ErrInvalidTransition, sess.Status)
	}

	m.releaseLease(id)
	if err := m.transition(sess, models.StatusPaused, "paused by caller"); err != nil {
		return m.snapshotOf(sess), err
	}
	return m.snapshotOf(sess), nil
}

// Resume is valid from paused or needs_intervention. Resuming from
// needs_intervention requires the open intervention to be resolved first;
// that is checked as a precondition, never inferred. A resolution payload
// belongs on the intervention resolve call, not here.
func (m *Manager) Resume(ctx context.Context, id string, resolution json.RawMessage) (*models.Session, error) {
	if len(resolution) > 0 && string(resolution) != "null" {
		return nil, fmt.Errorf("%w: resolution payloads are applied by resolving the intervention", models.ErrInvalidInput)
	}

	sess, err := m.live(id)
	if err != nil {
		return nil, err
	}

	mu := m.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	return m.resumeLocked(ctx, sess)
}

func (m *Manager) resumeLocked(ctx context.Context, sess *models.Session) (*models.Session, error) {
	if sess.Status != models.StatusPaused && sess.Status != models.StatusNeedsIntervention {
		return m.snapshotOf(sess), fmt.Errorf("%w: cannot resume session in %s", models.ErrInvalidTransition, sess.Status)
	}
	if sess.Status == models.StatusNeedsIntervention && sess.OpenInterventionID != "" {
		return m.snapshotOf(sess), fmt.Errorf("%w: intervention %s must be resolved first", models.ErrInvalidTransition, sess.OpenInterventionID)
	}

	if err := m.acquireDriver(ctx, sess); err != nil {
		return m.snapshotOf(sess), err // stays parked
	}

	target := sess.CurrentURL
	if target == "" {
		target = sess.JobURL
	}
	navCtx, navDone := m.interruptible(ctx, sess.ID)
	err := m.navigateTo(navCtx, sess, target)
	navDone()
	if err != nil {
		m.releaseLease(sess.ID)
		return m.snapshotOf(sess), err // stays parked
	}

	if err := m.transition(sess, models.StatusInProgress, "resumed"); err != nil {
		m.releaseLease(sess.ID)
		return m.snapshotOf(sess), err
	}
	m.maybeRun(sess)
	return m.snapshotOf(sess), nil
}

// ResolveIntervention marks an intervention resolved with the supplied
// payload and resumes the owning session (or cancels it when the payload
// asks for that).
func (m *Manager) ResolveIntervention(ctx context.Context, interventionID string, payload json.RawMessage) (*models.Session, error) {
	iv, err := m.interventions.Get(interventionID)
	if err != nil {
		return nil, err
	}
	sess, err := m.live(iv.SessionID)
	if err != nil {
		return nil, err
	}

	mu := m.lockFor(sess.ID)
	mu.Lock()
	defer mu.Unlock()

	iv, err = m.interventions.Resolve(interventionID, payload)
	if err != nil {
		return m.snapshotOf(sess), err
	}

	st := m.stateLock(sess.ID)
	st.Lock()
	if sess.OpenInterventionID == iv.ID {
		sess.OpenInterventionID = ""
	}
	st.Unlock()

	var res models.Resolution
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &res); err != nil {
			log.Printf("warning: unreadable resolution payload for %s: %v", interventionID[:8], err)
		}
	}

	if res.Action == "cancel" {
		if err := m.store.Save(sess); err != nil {
			log.Printf("warning: failed to persist session %s: %v", sess.ID[:8], err)
		}
		return m.cancelLocked(sess)
	}

	if iv.Type == models.BlockerReviewBeforeSubmit {
		st.Lock()
		sess.ReviewApproved = true
		st.Unlock()
	}
	if err := m.store.Save(sess); err != nil {
		log.Printf("warning: failed to persist session %s: %v", sess.ID[:8], err)
	}

	return m.resumeLocked(ctx, sess)
}

// Cancel is valid from any non-terminal state, interrupts pending pool
// waits and in-flight driver calls, and is idempotent: cancelling a
// cancelled session is a no-op.
func (m *Manager) Cancel(id string) (*models.Session, error) {
	sess, err := m.live(id)
	if err != nil {
		return nil, err
	}

	// Interrupt in-flight work before taking the step lock, so a session
	// suspended on a pool Acquire or a driver round-trip unblocks promptly
	// instead of making Cancel wait out the page load.
	if v, ok := m.waits.Load(id); ok {
		v.(context.CancelFunc)()
	}

	mu := m.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	return m.cancelLocked(sess)
}

func (m *Manager) cancelLocked(sess *models.Session) (*models.Session, error) {
	if sess.Status == models.StatusCancelled {
		return m.snapshotOf(sess), nil
	}
	if sess.Status.Terminal() {
		return m.snapshotOf(sess), fmt.Errorf("%w: cannot cancel session in %s", models.ErrInvalidTransition, sess.Status)
	}

	if sess.OpenInterventionID != "" {
		payload, _ := json.Marshal(models.Resolution{Action: "cancel"})
		if _, err := m.interventions.Resolve(sess.OpenInterventionID, payload); err != nil {
			log.Printf("warning: failed to close intervention %s: %v", sess.OpenInterventionID[:8], err)
		}
		st := m.stateLock(sess.ID)
		st.Lock()
		sess.OpenInterventionID = ""
		st.Unlock()
	}

	m.releaseLease(sess.ID)
	if err := m.transition(sess, models.StatusCancelled, "cancelled by caller"); err != nil {
		return m.snapshotOf(sess), err
	}
	return m.snapshotOf(sess), nil
}

// maybeRun drives semi_auto and auto sessions internally; assisted sessions
// are stepped by their caller.
func (m *Manager) maybeRun(sess *models.Session) {
	if !m.opts.AutoRun || sess.Mode == models.ModeAssisted {
		return
	}
	go m.run(sess.ID)
}

func (m *Manager) run(id string) {
	for {
		sess, err := m.Get(id)
		if err != nil || sess.Status != models.StatusInProgress {
			return
		}
		if _, err := m.Advance(context.Background(), id); err != nil {
			log.Printf("session %s: auto-run stopped: %v", id[:8], err)
			return
		}
		time.Sleep(m.opts.StepDelay)
	}
}

// navigateTo loads a URL in the session's driver with retries.
func (m *Manager) navigateTo(ctx context.Context, sess *models.Session, target string) error {
	return m.withRetry(ctx, sess, func(d driver.Driver) error {
		return d.Navigate(ctx, target)
	})
}

func (m *Manager) perform(ctx context.Context, sess *models.Session, action driver.Action) error {
	return m.withRetry(ctx, sess, func(d driver.Driver) error {
		return driver.Perform(ctx, d, action)
	})
}

func (m *Manager) pageState(ctx context.Context, sess *models.Session) (*driver.PageState, error) {
	var page *driver.PageState
	err := m.withRetry(ctx, sess, func(d driver.Driver) error {
		var stateErr error
		page, stateErr = d.PageState(ctx)
		return stateErr
	})
	return page, err
}

// withRetry absorbs transient driver failures with backoff. Exhausting the
// retries surfaces a single wrapped error the caller classifies as an error
// blocker, never a hard failure.
func (m *Manager) withRetry(ctx context.Context, sess *models.Session, fn func(driver.Driver) error) error {
	lease := m.lease(sess.ID)
	if lease == nil {
		return fmt.Errorf("session %s has no driver attached", sess.ID)
	}

	var err error
	for attempt := 0; attempt <= m.opts.StepRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.opts.RetryBackoff * time.Duration(attempt)):
			}
			log.Printf("session %s: retrying driver action (attempt %d)", sess.ID[:8], attempt+1)
		}
		if err = fn(lease.Driver); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			// cancelled mid-call: not a transient failure, stop retrying
			return ctx.Err()
		}
	}
	return fmt.Errorf("driver error after %d attempts: %w", m.opts.StepRetries+1, err)
}
