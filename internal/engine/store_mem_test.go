package engine

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/covenlabs/conclave/internal/action"
	"github.com/covenlabs/conclave/internal/events"
	"github.com/covenlabs/conclave/internal/fault"
	"github.com/covenlabs/conclave/internal/models"
	"github.com/covenlabs/conclave/internal/modifier"
	"github.com/covenlabs/conclave/internal/session"
)

// memStore is an in-memory Store for engine tests. Writes apply eagerly,
// so tests that provoke an error mid-transaction must not assert on
// rollback. Rows carry an insertion serial because the fake clock makes
// timestamps tie.
type memStore struct {
	mu    sync.Mutex
	clock clockwork.Clock
	seq   int64

	sessionRows  map[uuid.UUID]*models.Session
	actionRows   map[actionKey]*memAction
	modifierRows []*models.TemporaryModifier
	resultRows   map[resultKey]*models.InferenceResult
	snapshotRows map[uuid.UUID]*models.Snapshot
	snapshotSeq  map[uuid.UUID]int64
	anomalyRows  map[uuid.UUID]*models.Anomaly
	anomalySeq   map[uuid.UUID]int64
	logRows      []models.RecoveryLogEntry
	outboxRows   []events.SessionEvent
}

type actionKey struct {
	sessionID uuid.UUID
	round     int
	userID    string
}

type resultKey struct {
	sessionID uuid.UUID
	round     int
}

// memAction pairs the row with the serial of its first submission; zero
// means still pending. Listing submitted rows by this serial mirrors the
// submitted_at NULLS LAST ordering.
type memAction struct {
	row       models.PlayerAction
	submitSeq int64
}

func newMemStore(clock clockwork.Clock) *memStore {
	return &memStore{
		clock:        clock,
		sessionRows:  make(map[uuid.UUID]*models.Session),
		actionRows:   make(map[actionKey]*memAction),
		resultRows:   make(map[resultKey]*models.InferenceResult),
		snapshotRows: make(map[uuid.UUID]*models.Snapshot),
		snapshotSeq:  make(map[uuid.UUID]int64),
		anomalyRows:  make(map[uuid.UUID]*models.Anomaly),
		anomalySeq:   make(map[uuid.UUID]int64),
	}
}

func (m *memStore) Run(ctx context.Context, fn func(tx Tx) error) error { return fn(m) }

func (m *memStore) Sessions() SessionStore   { return memSessions{m} }
func (m *memStore) Actions() ActionStore     { return memActions{m} }
func (m *memStore) Modifiers() ModifierStore { return memModifiers{m} }
func (m *memStore) Results() ResultStore     { return memResults{m} }
func (m *memStore) Snapshots() SnapshotStore { return memSnapshots{m} }
func (m *memStore) Anomalies() AnomalyStore  { return memAnomalies{m} }
func (m *memStore) Outbox() OutboxStore      { return memOutbox{m} }

func (m *memStore) now() time.Time { return m.clock.Now().UTC() }

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	out := *t
	return &out
}

func cloneSession(s *models.Session) *models.Session {
	out := *s
	out.DecisionDeadline = cloneTime(s.DecisionDeadline)
	out.GameState = cloneRaw(s.GameState)
	out.Settings.Participants = append([]models.Participant(nil), s.Settings.Participants...)
	return &out
}

// Inspection helpers for tests.

func (m *memStore) allEvents() []events.SessionEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]events.SessionEvent(nil), m.outboxRows...)
}

func (m *memStore) eventsOfType(typ events.Type) []events.SessionEvent {
	var out []events.SessionEvent
	for _, ev := range m.allEvents() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (m *memStore) attemptID(sessionID uuid.UUID, round int) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.resultRows[resultKey{sessionID, round}]
	if row == nil {
		return uuid.Nil
	}
	return row.AttemptID
}

func (m *memStore) openAnomaly(sessionID uuid.UUID) *models.Anomaly {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *models.Anomaly
	for id, a := range m.anomalyRows {
		if a.SessionID != sessionID || a.Resolved {
			continue
		}
		if oldest == nil || m.anomalySeq[id] < m.anomalySeq[oldest.ID] {
			oldest = a
		}
	}
	if oldest == nil {
		return nil
	}
	out := *oldest
	return &out
}

// sessions

type memSessions struct{ m *memStore }

func (s memSessions) Create(ctx context.Context, req session.CreateSessionRequest) (*models.Session, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	now := s.m.now()
	sess := &models.Session{
		ID:               req.ID,
		RoomID:           req.RoomID,
		HostID:           req.HostID,
		CurrentRound:     1,
		TotalRounds:      req.TotalRounds,
		RoundStatus:      models.RoundStatusDecision,
		Status:           models.SessionStatusPlaying,
		DecisionDeadline: cloneTime(req.DecisionDeadline),
		Version:          1,
		GameState:        cloneRaw(req.GameState),
		Rules:            req.Rules,
		Settings:         req.Settings,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	s.m.sessionRows[req.ID] = sess
	return cloneSession(sess), nil
}

func (s memSessions) Get(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	sess, ok := s.m.sessionRows[id]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "session %s not found", id)
	}
	return cloneSession(sess), nil
}

func (s memSessions) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	return s.Get(ctx, id)
}

func (s memSessions) UpdateState(ctx context.Context, sess *models.Session) (*models.Session, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	cur, ok := s.m.sessionRows[sess.ID]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "session %s not found", sess.ID)
	}
	cur.CurrentRound = sess.CurrentRound
	cur.RoundStatus = sess.RoundStatus
	cur.Status = sess.Status
	cur.Recovering = sess.Recovering
	cur.DecisionDeadline = cloneTime(sess.DecisionDeadline)
	cur.TimedOutRound = sess.TimedOutRound
	cur.ExtendedRound = sess.ExtendedRound
	cur.UrgentRound = sess.UrgentRound
	cur.GameState = cloneRaw(sess.GameState)
	cur.Version++
	cur.UpdatedAt = s.m.now()
	return cloneSession(cur), nil
}

func (s memSessions) MarkUrgentNotified(ctx context.Context, id uuid.UUID, round int) (bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	cur, ok := s.m.sessionRows[id]
	if !ok || cur.UrgentRound >= round {
		return false, nil
	}
	cur.UrgentRound = round
	return true, nil
}

func deadlineEligible(sess *models.Session) bool {
	return sess.Status == models.SessionStatusPlaying &&
		sess.RoundStatus == models.RoundStatusDecision &&
		!sess.Recovering &&
		sess.DecisionDeadline != nil &&
		sess.TimedOutRound < sess.CurrentRound
}

func (s memSessions) FetchNextDeadline(ctx context.Context) (*session.NextDeadline, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var nd *session.NextDeadline
	for _, sess := range s.m.sessionRows {
		if !deadlineEligible(sess) {
			continue
		}
		if nd == nil || sess.DecisionDeadline.Before(*nd.Deadline) {
			nd = &session.NextDeadline{SessionID: sess.ID, Deadline: cloneTime(sess.DecisionDeadline)}
		}
	}
	return nd, nil
}

func (s memSessions) FetchSessionsDue(ctx context.Context, now time.Time, limit int32) ([]uuid.UUID, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var due []*models.Session
	for _, sess := range s.m.sessionRows {
		if deadlineEligible(sess) && !sess.DecisionDeadline.After(now) {
			due = append(due, sess)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].DecisionDeadline.Before(*due[j].DecisionDeadline)
	})
	ids := make([]uuid.UUID, 0, len(due))
	for _, sess := range due {
		if int32(len(ids)) >= limit {
			break
		}
		ids = append(ids, sess.ID)
	}
	return ids, nil
}

func (s memSessions) FetchSessionsNearDeadline(ctx context.Context, now time.Time, within time.Duration, limit int32) ([]*models.Session, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var near []*models.Session
	for _, sess := range s.m.sessionRows {
		if !deadlineEligible(sess) || sess.UrgentRound >= sess.CurrentRound {
			continue
		}
		if sess.DecisionDeadline.After(now) && !sess.DecisionDeadline.After(now.Add(within)) {
			near = append(near, sess)
		}
	}
	sort.Slice(near, func(i, j int) bool {
		return near[i].DecisionDeadline.Before(*near[j].DecisionDeadline)
	})
	out := make([]*models.Session, 0, len(near))
	for _, sess := range near {
		if int32(len(out)) >= limit {
			break
		}
		out = append(out, cloneSession(sess))
	}
	return out, nil
}

// actions

type memActions struct{ m *memStore }

func cloneAction(a *memAction) *models.PlayerAction {
	out := a.row
	out.Payload = cloneRaw(a.row.Payload)
	out.SubmittedAt = cloneTime(a.row.SubmittedAt)
	return &out
}

func (s memActions) Upsert(ctx context.Context, params action.UpsertParams) (*models.PlayerAction, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	k := actionKey{params.SessionID, params.Round, params.UserID}
	now := s.m.now()
	row := s.m.actionRows[k]
	if row == nil {
		row = &memAction{row: models.PlayerAction{
			ID:          uuid.New(),
			SessionID:   params.SessionID,
			Round:       params.Round,
			UserID:      params.UserID,
			PlayerIndex: params.PlayerIndex,
			CreatedAt:   now,
		}}
		s.m.actionRows[k] = row
	}
	row.row.Payload = cloneRaw(params.Payload)
	row.row.Status = models.ActionStatusSubmitted
	row.row.HostModified = false
	if row.row.SubmittedAt == nil {
		s.m.seq++
		row.submitSeq = s.m.seq
		row.row.SubmittedAt = &now
	}
	return cloneAction(row), nil
}

func (s memActions) InsertPending(ctx context.Context, sessionID uuid.UUID, round int, p models.Participant) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	k := actionKey{sessionID, round, p.UserID}
	if s.m.actionRows[k] != nil {
		return nil
	}
	s.m.actionRows[k] = &memAction{row: models.PlayerAction{
		ID:          uuid.New(),
		SessionID:   sessionID,
		Round:       round,
		UserID:      p.UserID,
		PlayerIndex: p.PlayerIndex,
		Status:      models.ActionStatusPending,
		CreatedAt:   s.m.now(),
	}}
	return nil
}

func (s memActions) UpdatePayload(ctx context.Context, sessionID uuid.UUID, round int, userID string, payload json.RawMessage) (*models.PlayerAction, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	row := s.m.actionRows[actionKey{sessionID, round, userID}]
	if row == nil {
		return nil, fault.New(fault.KindNotFound, "no action for user %s in round %d", userID, round)
	}
	row.row.Payload = cloneRaw(payload)
	row.row.Status = models.ActionStatusSubmitted
	row.row.HostModified = true
	if row.row.SubmittedAt == nil {
		s.m.seq++
		row.submitSeq = s.m.seq
		now := s.m.now()
		row.row.SubmittedAt = &now
	}
	return cloneAction(row), nil
}

func (s memActions) ListForRound(ctx context.Context, sessionID uuid.UUID, round int) ([]*models.PlayerAction, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var rows []*memAction
	for k, row := range s.m.actionRows {
		if k.sessionID == sessionID && k.round == round {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		si, sj := rows[i].submitSeq, rows[j].submitSeq
		if (si > 0) != (sj > 0) {
			return si > 0
		}
		if si > 0 {
			return si < sj
		}
		return rows[i].row.PlayerIndex < rows[j].row.PlayerIndex
	})
	out := make([]*models.PlayerAction, len(rows))
	for i, row := range rows {
		out[i] = cloneAction(row)
	}
	return out, nil
}

func (s memActions) CountSubmitted(ctx context.Context, sessionID uuid.UUID, round int) (int, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	n := 0
	for k, row := range s.m.actionRows {
		if k.sessionID == sessionID && k.round == round && row.row.Status == models.ActionStatusSubmitted {
			n++
		}
	}
	return n, nil
}

func (s memActions) DeleteForRound(ctx context.Context, sessionID uuid.UUID, round int) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for k := range s.m.actionRows {
		if k.sessionID == sessionID && k.round == round {
			delete(s.m.actionRows, k)
		}
	}
	return nil
}

func (s memActions) ResetFromRound(ctx context.Context, sessionID uuid.UUID, round int) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for k, row := range s.m.actionRows {
		if k.sessionID != sessionID || k.round < round {
			continue
		}
		row.row.Status = models.ActionStatusPending
		row.row.Payload = nil
		row.row.SubmittedAt = nil
		row.row.HostModified = false
		row.submitSeq = 0
	}
	return nil
}

// modifiers

type memModifiers struct{ m *memStore }

func cloneModifier(mod *models.TemporaryModifier) *models.TemporaryModifier {
	out := *mod
	out.Progress = cloneRaw(mod.Progress)
	return &out
}

func (s memModifiers) Create(ctx context.Context, params modifier.CreateParams) (*models.TemporaryModifier, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	mod := &models.TemporaryModifier{
		ID:              uuid.New(),
		SessionID:       params.SessionID,
		Kind:            params.Kind,
		Description:     params.Description,
		Round:           params.Round,
		EffectiveRounds: params.EffectiveRounds,
		Progress:        cloneRaw(params.Progress),
		CreatedBy:       params.CreatedBy,
		CreatedAt:       s.m.now(),
	}
	s.m.modifierRows = append(s.m.modifierRows, mod)
	return cloneModifier(mod), nil
}

func (s memModifiers) ListActive(ctx context.Context, sessionID uuid.UUID, round int) ([]*models.TemporaryModifier, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var out []*models.TemporaryModifier
	for _, mod := range s.m.modifierRows {
		if mod.SessionID == sessionID && mod.ActiveInRound(round) {
			out = append(out, cloneModifier(mod))
		}
	}
	return out, nil
}

func (s memModifiers) UpdateProgress(ctx context.Context, id uuid.UUID, progress json.RawMessage) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, mod := range s.m.modifierRows {
		if mod.ID == id {
			mod.Progress = cloneRaw(progress)
			return nil
		}
	}
	return fault.New(fault.KindNotFound, "modifier %s not found", id)
}

// results

type memResults struct{ m *memStore }

func cloneResult(res *models.InferenceResult) *models.InferenceResult {
	out := *res
	out.Result = cloneRaw(res.Result)
	out.CompletedAt = cloneTime(res.CompletedAt)
	if res.ErrorInfo != nil {
		info := *res.ErrorInfo
		out.ErrorInfo = &info
	}
	return &out
}

func (s memResults) Issue(ctx context.Context, sessionID uuid.UUID, round int, attemptID uuid.UUID) (*models.InferenceResult, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	k := resultKey{sessionID, round}
	now := s.m.now()
	row := s.m.resultRows[k]
	if row == nil {
		row = &models.InferenceResult{
			ID:           uuid.New(),
			SessionID:    sessionID,
			Round:        round,
			AttemptID:    attemptID,
			Status:       models.InferenceStatusPending,
			AttemptCount: 1,
			RequestedAt:  now,
		}
		s.m.resultRows[k] = row
	} else {
		row.AttemptID = attemptID
		row.Status = models.InferenceStatusPending
		row.AttemptCount++
		row.Result = nil
		row.ErrorInfo = nil
		row.RequestedAt = now
		row.CompletedAt = nil
	}
	return cloneResult(row), nil
}

func (s memResults) Complete(ctx context.Context, sessionID uuid.UUID, round int, attemptID uuid.UUID, result json.RawMessage) (*models.InferenceResult, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	row := s.m.resultRows[resultKey{sessionID, round}]
	if row == nil || row.AttemptID != attemptID || row.Status != models.InferenceStatusPending {
		return nil, nil
	}
	now := s.m.now()
	row.Status = models.InferenceStatusCompleted
	row.Result = cloneRaw(result)
	row.CompletedAt = &now
	return cloneResult(row), nil
}

func (s memResults) Fail(ctx context.Context, sessionID uuid.UUID, round int, attemptID uuid.UUID, errInfo models.InferenceError) (*models.InferenceResult, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	row := s.m.resultRows[resultKey{sessionID, round}]
	if row == nil || row.AttemptID != attemptID || row.Status != models.InferenceStatusPending {
		return nil, nil
	}
	now := s.m.now()
	row.Status = models.InferenceStatusFailed
	row.ErrorInfo = &errInfo
	row.CompletedAt = &now
	return cloneResult(row), nil
}

func (s memResults) Latest(ctx context.Context, sessionID uuid.UUID) (*models.InferenceResult, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var latest *models.InferenceResult
	for k, row := range s.m.resultRows {
		if k.sessionID != sessionID {
			continue
		}
		if latest == nil || row.Round > latest.Round {
			latest = row
		}
	}
	if latest == nil {
		return nil, nil
	}
	return cloneResult(latest), nil
}

// snapshots

type memSnapshots struct{ m *memStore }

func cloneSnapshot(snap *models.Snapshot) *models.Snapshot {
	out := *snap
	out.GameState = cloneRaw(snap.GameState)
	return &out
}

func (s memSnapshots) Create(ctx context.Context, sess *models.Session, label string, auto bool) (*models.Snapshot, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.seq++
	snap := &models.Snapshot{
		ID:          uuid.New(),
		SessionID:   sess.ID,
		Round:       sess.CurrentRound,
		RoundStatus: sess.RoundStatus,
		Version:     sess.Version,
		GameState:   cloneRaw(sess.GameState),
		Label:       label,
		Auto:        auto,
		CreatedAt:   s.m.now(),
	}
	s.m.snapshotRows[snap.ID] = snap
	s.m.snapshotSeq[snap.ID] = s.m.seq
	return cloneSnapshot(snap), nil
}

func (s memSnapshots) Get(ctx context.Context, id uuid.UUID) (*models.Snapshot, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	snap, ok := s.m.snapshotRows[id]
	if !ok {
		return nil, fault.New(fault.KindNotFound, "snapshot %s not found", id)
	}
	return cloneSnapshot(snap), nil
}

func (s memSnapshots) LatestForRound(ctx context.Context, sessionID uuid.UUID, round int) (*models.Snapshot, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var latest *models.Snapshot
	for id, snap := range s.m.snapshotRows {
		if snap.SessionID != sessionID || snap.Round != round {
			continue
		}
		if latest == nil || s.m.snapshotSeq[id] > s.m.snapshotSeq[latest.ID] {
			latest = snap
		}
	}
	if latest == nil {
		return nil, nil
	}
	return cloneSnapshot(latest), nil
}

func (s memSnapshots) List(ctx context.Context, sessionID uuid.UUID) ([]*models.Snapshot, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var snaps []*models.Snapshot
	for _, snap := range s.m.snapshotRows {
		if snap.SessionID == sessionID {
			snaps = append(snaps, snap)
		}
	}
	sort.Slice(snaps, func(i, j int) bool {
		return s.m.snapshotSeq[snaps[i].ID] > s.m.snapshotSeq[snaps[j].ID]
	})
	out := make([]*models.Snapshot, len(snaps))
	for i, snap := range snaps {
		out[i] = cloneSnapshot(snap)
	}
	return out, nil
}

func (s memSnapshots) Delete(ctx context.Context, id uuid.UUID) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	delete(s.m.snapshotRows, id)
	delete(s.m.snapshotSeq, id)
	return nil
}

// anomalies

type memAnomalies struct{ m *memStore }

func (s memAnomalies) Open(ctx context.Context, sessionID uuid.UUID, round int, kind models.AnomalyKind, detail string) (*models.Anomaly, bool, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for _, a := range s.m.anomalyRows {
		if a.SessionID == sessionID && a.Round == round && a.Kind == kind && !a.Resolved {
			out := *a
			return &out, false, nil
		}
	}
	s.m.seq++
	anom := &models.Anomaly{
		ID:         uuid.New(),
		SessionID:  sessionID,
		Round:      round,
		Kind:       kind,
		Detail:     detail,
		DetectedAt: s.m.now(),
	}
	s.m.anomalyRows[anom.ID] = anom
	s.m.anomalySeq[anom.ID] = s.m.seq
	out := *anom
	return &out, true, nil
}

func (s memAnomalies) ListOpen(ctx context.Context, sessionID uuid.UUID) ([]*models.Anomaly, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var open []*models.Anomaly
	for _, a := range s.m.anomalyRows {
		if a.SessionID == sessionID && !a.Resolved {
			open = append(open, a)
		}
	}
	sort.Slice(open, func(i, j int) bool {
		return s.m.anomalySeq[open[i].ID] < s.m.anomalySeq[open[j].ID]
	})
	out := make([]*models.Anomaly, len(open))
	for i, a := range open {
		c := *a
		out[i] = &c
	}
	return out, nil
}

func (s memAnomalies) Resolve(ctx context.Context, id uuid.UUID, actor string, act models.RecoveryAction, at time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	anom, ok := s.m.anomalyRows[id]
	if !ok || anom.Resolved {
		return fault.New(fault.KindPrecondition, "anomaly %s is not open", id)
	}
	anom.Resolved = true
	anom.ResolvedAt = &at
	anom.ResolvedBy = actor
	anom.ResolvedAction = act
	return nil
}

func (s memAnomalies) InsertLog(ctx context.Context, entry models.RecoveryLogEntry) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.logRows = append(s.m.logRows, entry)
	return nil
}

// outbox

type memOutbox struct{ m *memStore }

func (s memOutbox) Insert(ctx context.Context, ev events.SessionEvent) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	s.m.outboxRows = append(s.m.outboxRows, ev)
	return nil
}
