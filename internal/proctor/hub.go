package proctor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/recrutea/proctor-backend/internal/metrics"
	"github.com/recrutea/proctor-backend/internal/model"
)

// terminalTimeout bounds the backend round trip of a terminal transition.
// Transitions run detached from the request that triggered them so a
// client hanging up cannot interrupt the commit.
const terminalTimeout = 15 * time.Second

// staleRetries bounds how often a mutation is reapplied after another
// instance saved the same session first.
const staleRetries = 3

// HubDeps wires a Hub.
type HubDeps struct {
	Store     Store
	Clock     *Clock
	Monitor   *Monitor
	Machine   *Machine
	Navigator *Navigator
	Audit     AuditSink
	Events    EventSink

	AutosaveInterval time.Duration
	AbandonGrace     time.Duration

	Now func() time.Time
	Log zerolog.Logger
}

// Hub keeps one Live runtime per open session. Candidate actions, browser
// signals and clock ticks all funnel through the Live's mutex, which gives
// each session the single-threaded, one-event-at-a-time semantics the state
// machine relies on.
//
// Several instances may hold a Live for the same key. The stored snapshot
// stays the source of truth: every action starts from it, and a save that
// lost a version race is reloaded and reapplied.
type Hub struct {
	store   Store
	clock   *Clock
	monitor *Monitor
	machine *Machine
	nav     *Navigator
	audit   AuditSink
	events  EventSink

	autosaveInterval time.Duration
	abandonGrace     time.Duration

	now func() time.Time
	log zerolog.Logger

	mu   sync.Mutex
	live map[string]*Live

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewHub creates a Hub.
func NewHub(d HubDeps) *Hub {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Audit == nil {
		d.Audit = nopAudit{}
	}
	if d.Events == nil {
		d.Events = nopEvents{}
	}
	if d.AutosaveInterval <= 0 {
		d.AutosaveInterval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		store:            d.Store,
		clock:            d.Clock,
		monitor:          d.Monitor,
		machine:          d.Machine,
		nav:              d.Navigator,
		audit:            d.Audit,
		events:           d.Events,
		autosaveInterval: d.AutosaveInterval,
		abandonGrace:     d.AbandonGrace,
		now:              d.Now,
		log:              d.Log.With().Str("component", "session_hub").Logger(),
		live:             make(map[string]*Live),
		baseCtx:          ctx,
		stop:             cancel,
	}
}

// Clock exposes the hub's deadline clock.
func (h *Hub) Clock() *Clock { return h.clock }

// Machine exposes the hub's state machine.
func (h *Hub) Machine() *Machine { return h.machine }

// Attach registers an in-progress session and starts its deadline watcher
// and autosave loop. Attaching a key that is already live returns the
// existing runtime and cancels any pending abandonment (a reload).
// The deadline is evaluated synchronously, so a session whose time ran out
// while nobody watched is terminated before Attach returns.
func (h *Hub) Attach(ctx context.Context, s *model.TestSession) *Live {
	h.mu.Lock()
	if l, ok := h.live[s.Key]; ok {
		h.mu.Unlock()
		l.Resume()
		return l
	}

	lctx, cancel := context.WithCancel(h.baseCtx)
	l := &Live{
		hub:    h,
		key:    s.Key,
		sess:   s,
		cancel: cancel,
		log:    h.log.With().Str("session_key", s.Key).Logger(),
	}
	if s.Status.IsTerminal() {
		h.mu.Unlock()
		l.closed = true
		cancel()
		return l
	}
	h.live[s.Key] = l
	h.mu.Unlock()
	metrics.LiveSessions.Inc()

	if !l.Tick(ctx, h.now()) {
		return l
	}

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		h.clock.Watch(lctx, h.now, func(now time.Time) bool {
			return l.Tick(lctx, now)
		})
	}()
	go func() {
		defer h.wg.Done()
		l.autosaveLoop(lctx)
	}()

	l.log.Debug().Msg("Session attached")
	return l
}

// Get returns the live runtime for a key.
func (h *Hub) Get(key string) (*Live, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.live[key]
	return l, ok
}

// Len returns the number of live sessions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live)
}

// detach unregisters a session and stops its background loops. It never
// takes the Live's mutex, so it may be called while that mutex is held.
func (h *Hub) detach(key string) {
	h.mu.Lock()
	l, ok := h.live[key]
	if ok {
		delete(h.live, key)
	}
	h.mu.Unlock()

	if ok {
		l.cancel()
		metrics.LiveSessions.Dec()
	}
}

// Shutdown stops every watcher and pending abandonment, then waits for the
// watchers to return or ctx to end. Sessions left in progress are picked up
// again on the next open or by the janitor.
func (h *Hub) Shutdown(ctx context.Context) {
	h.stop()

	h.mu.Lock()
	lives := make([]*Live, 0, len(h.live))
	for _, l := range h.live {
		lives = append(lives, l)
	}
	h.mu.Unlock()
	for _, l := range lives {
		l.Resume()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info().Msg("Session hub stopped")
	case <-ctx.Done():
		h.log.Warn().Msg("Session hub shutdown timed out")
	}
}

// Live is the runtime of one open session.
type Live struct {
	hub    *Hub
	key    string
	cancel context.CancelFunc
	log    zerolog.Logger

	mu         sync.Mutex
	sess       *model.TestSession
	closed     bool
	abandon    *time.Timer
	abandonGen int
	unloadedAt time.Time
}

// Key returns the session key.
func (l *Live) Key() string { return l.key }

// Snapshot returns a deep copy of the session.
func (l *Live) Snapshot() *model.TestSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sess.Clone()
}

// Current reloads the stored session, which another instance may have
// advanced, and returns a deep copy of it.
func (l *Live) Current(ctx context.Context) *model.TestSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.syncLocked(ctx)
	return l.sess.Clone()
}

// Remaining returns the time left on the session's deadline.
func (l *Live) Remaining() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hub.clock.Remaining(l.sess, l.hub.now())
}

// Outcome reports the current status as an outcome.
func (l *Live) Outcome() Outcome {
	l.mu.Lock()
	defer l.mu.Unlock()
	return OutcomeOf(l.sess)
}

// Resume cancels a pending abandonment.
func (l *Live) Resume() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopAbandonLocked()
}

// Touch records that the candidate reopened the session. Besides cancelling
// a local abandonment, the persisted LastSeenAt tells an instance that
// handled the unload beacon that the candidate came back elsewhere.
func (l *Live) Touch(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stopAbandonLocked()
	l.syncLocked(ctx)
	if l.closed || l.sess.Status.IsTerminal() {
		return
	}
	now := l.hub.now()
	err := l.retryLocked(ctx, func() error {
		if l.sess.Status.IsTerminal() {
			return model.ErrSessionTerminal
		}
		l.sess.LastSeenAt = now
		return l.hub.store.Save(ctx, l.sess)
	})
	switch {
	case errors.Is(err, model.ErrSessionTerminal):
		l.refreshLocked(ctx)
		l.settleLocked(ctx)
	case err != nil:
		l.log.Warn().Err(err).Msg("Failed to record session reopen")
	}
}

// SelectAnswer records an answer for a question.
func (l *Live) SelectAnswer(ctx context.Context, questionIndex, option int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.actionLocked(ctx) {
		return model.ErrSessionClosed
	}
	err := l.retryLocked(ctx, func() error {
		return l.hub.nav.SelectAnswer(ctx, l.sess, questionIndex, option)
	})
	l.settleLocked(ctx)
	return err
}

// GoNext advances to the next question.
func (l *Live) GoNext(ctx context.Context) (Step, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.actionLocked(ctx) {
		return Step{CurrentIndex: l.sess.CurrentIndex}, model.ErrSessionClosed
	}
	var step Step
	err := l.retryLocked(ctx, func() error {
		var err error
		step, err = l.hub.nav.GoNext(ctx, l.sess)
		return err
	})
	l.settleLocked(ctx)
	return step, err
}

// GoTo jumps to a question, recording a pending answer first.
func (l *Live) GoTo(ctx context.Context, index int, pending *int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.actionLocked(ctx) {
		return model.ErrSessionClosed
	}
	err := l.retryLocked(ctx, func() error {
		return l.hub.nav.GoTo(ctx, l.sess, index, pending)
	})
	l.settleLocked(ctx)
	return err
}

// Completeness lists the unanswered questions.
func (l *Live) Completeness(ctx context.Context) Completeness {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.syncLocked(ctx)
	l.expireIfDueLocked(ctx)
	return l.hub.nav.CheckCompleteness(l.sess)
}

// Submit completes the session when every question is answered. A session
// that is already terminal (including one that just ran out of time)
// reports its outcome without submitting again.
func (l *Live) Submit(ctx context.Context) (Outcome, Completeness, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.actionLocked(ctx) {
		return OutcomeOf(l.sess), Completeness{Unanswered: []int{}, Ready: true}, nil
	}

	c := l.hub.nav.CheckCompleteness(l.sess)
	if !c.Ready {
		return OutcomeOf(l.sess), c, model.ErrIncomplete
	}

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalTimeout)
	defer cancel()
	out, c, err := l.hub.nav.Submit(dctx, l.sess)
	l.settleLocked(ctx)
	return out, c, err
}

// Signal feeds one raw browser signal to the integrity monitor. A signal
// that brings a violation type to the threshold disqualifies the session;
// the returned outcome is non-nil once the session is terminal.
func (l *Live) Signal(ctx context.Context, sig model.Signal) (model.Violation, *Outcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.syncLocked(ctx)
	if l.expireIfDueLocked(ctx) {
		out := OutcomeOf(l.sess)
		return model.Violation{}, &out, nil
	}

	now := l.hub.now()
	var (
		v       model.Violation
		counted bool
	)
	err := l.retryLocked(ctx, func() error {
		if l.sess.Status.IsTerminal() {
			return model.ErrSessionTerminal
		}
		v, counted = l.hub.monitor.Record(l.sess, sig)
		if !counted && sig.Kind != model.SignalFullscreenEnter {
			return nil
		}
		l.sess.LastUpdated = now
		return l.hub.store.Save(ctx, l.sess)
	})
	if err != nil {
		if errors.Is(err, model.ErrSessionTerminal) {
			l.refreshLocked(ctx)
			l.settleLocked(ctx)
			out := OutcomeOf(l.sess)
			return model.Violation{}, &out, nil
		}
		l.log.Error().Err(err).Msg("Failed to persist violation counts")
	}

	if !counted {
		return v, nil, nil
	}

	metrics.Violations.WithLabelValues(string(v.Type)).Inc()
	if err := l.hub.audit.RecordViolation(ctx, l.key, v, now); err != nil {
		l.log.Error().Err(err).Msg("Failed to queue violation audit record")
	}
	l.publishLocked(ctx, Event{Type: EventViolation, Violation: &v})

	l.log.Info().
		Str("violation", string(v.Type)).
		Int("count", v.Count).
		Bool("threshold", v.Threshold).
		Msg("Integrity violation recorded")

	if v.Count >= l.hub.monitor.Threshold {
		out, err := l.terminateLocked(ctx, model.SessionStatusDisqualified)
		return v, &out, err
	}
	return v, nil, nil
}

// Observe drains a signal source into the monitor until the source closes.
func (l *Live) Observe(ctx context.Context, src SignalSource) {
	for sig := range src.Signals(model.SignalKinds...) {
		if _, _, err := l.Signal(ctx, sig); err != nil {
			l.log.Error().Err(err).Str("signal", string(sig.Kind)).Msg("Signal handling failed")
		}
	}
}

// Unload handles the page-unload beacon. The session is abandoned once the
// grace period passes without the candidate coming back; a reload re-opens
// the session within the grace period and keeps it going.
func (l *Live) Unload(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sess.Status.IsTerminal() {
		return
	}
	if l.hub.abandonGrace <= 0 {
		_, _ = l.terminateLocked(ctx, model.SessionStatusAbandoned)
		return
	}
	if l.abandon != nil {
		return
	}

	l.abandonGen++
	gen := l.abandonGen
	l.unloadedAt = l.hub.now()
	l.abandon = time.AfterFunc(l.hub.abandonGrace, func() {
		l.abandonNow(gen)
	})
	l.log.Debug().Dur("grace", l.hub.abandonGrace).Msg("Abandonment scheduled")
}

func (l *Live) abandonNow(gen int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if gen != l.abandonGen || l.abandon == nil {
		return
	}
	l.abandon = nil
	if l.hub.baseCtx.Err() != nil {
		return
	}
	l.syncLocked(l.hub.baseCtx)
	if l.closed {
		return
	}
	if l.sess.LastSeenAt.After(l.unloadedAt) {
		l.log.Debug().Msg("Candidate came back after unload, abandonment dropped")
		return
	}
	if _, err := l.terminateLocked(l.hub.baseCtx, model.SessionStatusAbandoned); err != nil {
		l.log.Error().Err(err).Msg("Abandonment failed")
	}
}

// Tick re-evaluates the deadline at now. It returns false once the session
// is terminal, which stops the watcher.
func (l *Live) Tick(ctx context.Context, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sess.Status.IsTerminal() {
		l.settleLocked(ctx)
		return false
	}
	if l.hub.clock.Expired(l.sess, now) {
		if _, err := l.terminateLocked(ctx, model.SessionStatusTimedOut); err != nil {
			l.log.Error().Err(err).Msg("Expiry transition failed, retrying on next tick")
		}
	}
	return !l.sess.Status.IsTerminal()
}

// Autosave re-persists the current snapshot and archives it.
func (l *Live) Autosave(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sess.Status.IsTerminal() {
		return nil
	}
	if err := l.hub.store.Save(ctx, l.sess); err != nil {
		switch {
		case errors.Is(err, model.ErrSessionTerminal):
			l.refreshLocked(ctx)
			l.settleLocked(ctx)
			return nil
		case errors.Is(err, model.ErrSessionStale):
			// Another instance holds a newer snapshot: adopt it.
			l.refreshLocked(ctx)
			if l.sess.Status.IsTerminal() {
				l.settleLocked(ctx)
				return nil
			}
		default:
			return err
		}
	}
	return l.hub.audit.ArchiveSnapshot(ctx, l.sess.Clone())
}

func (l *Live) autosaveLoop(ctx context.Context) {
	ticker := time.NewTicker(l.hub.autosaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Autosave(ctx); err != nil && ctx.Err() == nil {
				l.log.Warn().Err(err).Msg("Autosave failed")
			}
		}
	}
}

// actionLocked runs before every candidate action: the candidate is
// present, so pending abandonment is cancelled, and the deadline is
// enforced. It reports whether the session is closed.
func (l *Live) actionLocked(ctx context.Context) bool {
	l.stopAbandonLocked()
	l.syncLocked(ctx)
	if l.expireIfDueLocked(ctx) {
		return true
	}
	l.sess.LastSeenAt = l.hub.now()
	return false
}

// syncLocked adopts the stored snapshot, which another instance may have
// advanced, and settles the runtime if that snapshot is terminal. On a load
// failure the local copy is kept.
func (l *Live) syncLocked(ctx context.Context) {
	if l.closed {
		return
	}
	fresh, err := l.hub.store.Load(ctx, l.key)
	if err != nil {
		l.log.Warn().Err(err).Msg("Failed to reload session, using local copy")
		return
	}
	*l.sess = *fresh
	l.settleLocked(ctx)
}

// retryLocked runs a mutation and reapplies it on the reloaded session
// while its save loses the version race.
func (l *Live) retryLocked(ctx context.Context, apply func() error) error {
	var err error
	for attempt := 0; attempt < staleRetries; attempt++ {
		if err = apply(); !errors.Is(err, model.ErrSessionStale) {
			return err
		}
		l.refreshLocked(ctx)
	}
	return err
}

func (l *Live) expireIfDueLocked(ctx context.Context) bool {
	if !l.sess.Status.IsTerminal() && l.hub.clock.Expired(l.sess, l.hub.now()) {
		if _, err := l.terminateLocked(ctx, model.SessionStatusTimedOut); err != nil {
			l.log.Error().Err(err).Msg("Expiry transition failed")
		}
	}
	return l.sess.Status.IsTerminal()
}

func (l *Live) terminateLocked(ctx context.Context, to model.SessionStatus) (Outcome, error) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalTimeout)
	defer cancel()

	out, err := l.hub.machine.Terminate(dctx, l.sess, to)
	if err != nil {
		return out, err
	}
	l.settleLocked(dctx)
	return out, nil
}

// settleLocked finishes the runtime of a session that became terminal by
// any path: it announces the outcome once and detaches from the hub.
func (l *Live) settleLocked(ctx context.Context) {
	if l.closed || !l.sess.Status.IsTerminal() {
		return
	}
	l.closed = true
	l.stopAbandonLocked()

	out := OutcomeOf(l.sess)
	l.publishLocked(ctx, Event{Type: EventTerminal, Outcome: &out})
	l.hub.detach(l.key)

	l.log.Info().
		Str("status", string(out.Status)).
		Str("screen", string(out.Screen)).
		Msg("Session closed")
}

func (l *Live) refreshLocked(ctx context.Context) {
	fresh, err := l.hub.store.Load(ctx, l.key)
	if err != nil {
		l.log.Error().Err(err).Msg("Failed to reload session")
		return
	}
	*l.sess = *fresh
}

func (l *Live) stopAbandonLocked() {
	if l.abandon == nil {
		return
	}
	l.abandon.Stop()
	l.abandon = nil
	l.abandonGen++
}

func (l *Live) publishLocked(ctx context.Context, ev Event) {
	ev.SessionKey = l.key
	ev.Remaining = l.hub.clock.Remaining(l.sess, l.hub.now()).Seconds()
	if err := l.hub.events.Publish(context.WithoutCancel(ctx), l.key, ev); err != nil {
		l.log.Warn().Err(err).Str("event", string(ev.Type)).Msg("Failed to publish session event")
	}
}
