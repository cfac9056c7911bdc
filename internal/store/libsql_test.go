package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mukund-aria/ai-flow-saas-sub008/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func seedTemplate(t *testing.T, s *LibSQLStore, orgID string) *Template {
	t.Helper()
	tpl := &Template{
		ID:    uuid.New().String(),
		OrgID: orgID,
		Name:  "onboarding",
		Definition: schema.Workflow{
			Name:  "onboarding",
			Steps: []schema.Step{{ID: "step1", Name: "Collect documents", Type: schema.StepTypeTask}},
		},
	}
	require.NoError(t, s.CreateTemplate(context.Background(), tpl))
	return tpl
}

func seedFlow(t *testing.T, s *LibSQLStore, tpl *Template) *Flow {
	t.Helper()
	f := &Flow{
		ID:            uuid.New().String(),
		OrgID:         tpl.OrgID,
		TemplateID:    tpl.ID,
		Status:        schema.FlowStatusActive,
		StarterUserID: "user-1",
	}
	require.NoError(t, s.CreateFlow(context.Background(), f))
	return f
}

// --- Migration Tests ---

// Rerunning Migrate on an up-to-date database is a no-op.
func TestMigrateRerunIsNoOp(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))

	var applied int
	err := s.db.QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM flow_migrations`).Scan(&applied)
	require.NoError(t, err)
	assert.Equal(t, len(migrations), applied)
}

func TestSQLStatementsStripsComments(t *testing.T) {
	script := "-- tables\nCREATE TABLE a (id TEXT);\n\n-- lookup\nCREATE INDEX idx_a ON a (id);\n"
	stmts := sqlStatements(script)
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (id TEXT)", stmts[0])
	assert.Equal(t, "CREATE INDEX idx_a ON a (id)", stmts[1])
}

// --- Template Tests ---

func TestCreateAndGetTemplate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tpl := seedTemplate(t, s, "org-1")

	got, err := s.GetTemplate(ctx, tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, tpl.ID, got.ID)
	assert.Equal(t, "org-1", got.OrgID)
	assert.Equal(t, "onboarding", got.Name)
	assert.Equal(t, 1, got.Version)
	assert.Len(t, got.Definition.Steps, 1)
	assert.Equal(t, "Collect documents", got.Definition.Steps[0].Name)
}

func TestGetTemplate_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTemplate(context.Background(), "nonexistent")
	require.Error(t, err)
	flowErr, ok := err.(*schema.FlowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, flowErr.Code)
}

func TestUpdateTemplate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tpl := seedTemplate(t, s, "org-1")

	def := tpl.Definition
	def.Steps = append(def.Steps, schema.Step{ID: "step2", Name: "Review", Type: schema.StepTypeTask})
	v := 2
	require.NoError(t, s.UpdateTemplate(ctx, tpl.ID, TemplateUpdate{Definition: &def, Version: &v}))

	got, err := s.GetTemplate(ctx, tpl.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Len(t, got.Definition.Steps, 2)
}

func TestListTemplates_FilterByOrg(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedTemplate(t, s, "org-1")
	seedTemplate(t, s, "org-2")

	got, err := s.ListTemplates(ctx, TemplateFilter{OrgID: "org-1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "org-1", got[0].OrgID)
}

// --- Flow Tests ---

func TestCreateAndGetFlow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tpl := seedTemplate(t, s, "org-1")

	due := time.Now().UTC().Add(72 * time.Hour).Truncate(time.Second)
	f := &Flow{
		ID:            uuid.New().String(),
		OrgID:         "org-1",
		TemplateID:    tpl.ID,
		Name:          "Onboard Acme",
		Status:        schema.FlowStatusPending,
		StarterUserID: "user-1",
		KickoffData:   map[string]any{"client_name": "Acme"},
		RoleAssignments: map[string]schema.ResolvedAssignee{
			"Client": {ContactID: "contact-1"},
		},
		DueAt: &due,
	}
	require.NoError(t, s.CreateFlow(ctx, f))

	got, err := s.GetFlow(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, "Onboard Acme", got.Name)
	assert.Equal(t, schema.FlowStatusPending, got.Status)
	assert.Equal(t, "Acme", got.KickoffData["client_name"])
	assert.Equal(t, "contact-1", got.RoleAssignments["Client"].ContactID)
	require.NotNil(t, got.DueAt)
	assert.WithinDuration(t, due, *got.DueAt, time.Second)
}

func TestUpdateFlow_StatusAndTimestamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tpl := seedTemplate(t, s, "org-1")
	f := seedFlow(t, s, tpl)

	completed := schema.FlowStatusCompleted
	now := time.Now().UTC()
	require.NoError(t, s.UpdateFlow(ctx, f.ID, FlowUpdate{Status: &completed, CompletedAt: &now}))

	got, err := s.GetFlow(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.FlowStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestListFlows_FilterByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tpl := seedTemplate(t, s, "org-1")
	f1 := seedFlow(t, s, tpl)
	f2 := seedFlow(t, s, tpl)

	cancelled := schema.FlowStatusCancelled
	require.NoError(t, s.UpdateFlow(ctx, f2.ID, FlowUpdate{Status: &cancelled}))

	active := schema.FlowStatusActive
	got, err := s.ListFlows(ctx, FlowFilter{TemplateID: tpl.ID, Status: &active})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, f1.ID, got[0].ID)
}

// --- Step Execution Tests ---

func TestStepExecutionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tpl := seedTemplate(t, s, "org-1")
	f := seedFlow(t, s, tpl)

	ex := &StepExecution{
		ID:     uuid.New().String(),
		FlowID: f.ID,
		StepID: "step1",
		Status: schema.StepStatusPending,
	}
	require.NoError(t, s.CreateStepExecution(ctx, ex))

	got, err := s.GetStepExecutionByStep(ctx, f.ID, "step1")
	require.NoError(t, err)
	assert.Equal(t, ex.ID, got.ID)
	assert.Equal(t, schema.StepStatusPending, got.Status)

	inProgress := schema.StepStatusInProgress
	contactID := "contact-9"
	now := time.Now().UTC()
	require.NoError(t, s.UpdateStepExecution(ctx, ex.ID, StepExecutionUpdate{
		Status:    &inProgress,
		ContactID: &contactID,
		StartedAt: &now,
		Output:    json.RawMessage(`{"form":"submitted"}`),
	}))

	got, err = s.GetStepExecution(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusInProgress, got.Status)
	assert.Equal(t, "contact-9", got.ContactID)
	assert.NotNil(t, got.StartedAt)
	assert.JSONEq(t, `{"form":"submitted"}`, string(got.Output))

	list, err := s.ListStepExecutions(ctx, f.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

// --- Contact Tests ---

func TestFindOrCreateContact_NormalizesAndDedupes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.FindOrCreateContact(ctx, "org-1", "  Jane.Doe@Example.COM ")
	require.NoError(t, err)

	id2, err := s.FindOrCreateContact(ctx, "org-1", "jane.doe@example.com")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	c, err := s.GetContact(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, "jane.doe@example.com", c.Email)
	assert.Equal(t, "jane.doe", c.Name)
}

func TestFindOrCreateContact_ScopedByOrg(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, err := s.FindOrCreateContact(ctx, "org-1", "a@b.com")
	require.NoError(t, err)
	id2, err := s.FindOrCreateContact(ctx, "org-2", "a@b.com")
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
}

func TestCountAssignments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tpl := seedTemplate(t, s, "org-1")
	f1 := seedFlow(t, s, tpl)
	f2 := seedFlow(t, s, tpl)

	contactID, err := s.FindOrCreateContact(ctx, "org-1", "a@b.com")
	require.NoError(t, err)

	require.NoError(t, s.CreateStepExecution(ctx, &StepExecution{
		ID: uuid.New().String(), FlowID: f1.ID, StepID: "step1",
		Status: schema.StepStatusInProgress, ContactID: contactID,
	}))
	require.NoError(t, s.CreateStepExecution(ctx, &StepExecution{
		ID: uuid.New().String(), FlowID: f2.ID, StepID: "step1",
		Status: schema.StepStatusCompleted, ContactID: contactID,
	}))

	n, err := s.CountAssignments(ctx, tpl.ID, contactID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.CountAssignments(ctx, tpl.ID, "other-contact")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

// --- Notification Settings Tests ---

func TestNotificationSettings_DefaultDisabled(t *testing.T) {
	s := newTestStore(t)
	ns, err := s.GetNotificationSettings(context.Background(), "org-unknown")
	require.NoError(t, err)
	assert.False(t, ns.RemindersEnabled)
	assert.False(t, ns.OverdueEnabled)
	assert.False(t, ns.EscalationsEnabled)
}

func TestUpsertNotificationSettings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertNotificationSettings(ctx, &NotificationSettings{
		OrgID:               "org-1",
		RemindersEnabled:    true,
		ReminderLeadMinutes: 60,
		OverdueEnabled:      true,
	}))

	ns, err := s.GetNotificationSettings(ctx, "org-1")
	require.NoError(t, err)
	assert.True(t, ns.RemindersEnabled)
	assert.Equal(t, 60, ns.ReminderLeadMinutes)
	assert.True(t, ns.OverdueEnabled)
	assert.False(t, ns.EscalationsEnabled)

	ns.EscalationsEnabled = true
	ns.EscalationDelayMinutes = 120
	require.NoError(t, s.UpsertNotificationSettings(ctx, ns))

	ns, err = s.GetNotificationSettings(ctx, "org-1")
	require.NoError(t, err)
	assert.True(t, ns.EscalationsEnabled)
	assert.Equal(t, 120, ns.EscalationDelayMinutes)
}

// --- Timer Event Tests ---

func TestTimerEvents_DueListingAndFiring(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tpl := seedTemplate(t, s, "org-1")
	f := seedFlow(t, s, tpl)

	now := time.Now().UTC()
	past := &TimerEvent{
		ID: uuid.New().String(), FlowID: f.ID, StepExecutionID: "exec-1",
		Kind: "reminder", FireAt: now.Add(-time.Minute),
	}
	future := &TimerEvent{
		ID: uuid.New().String(), FlowID: f.ID, StepExecutionID: "exec-1",
		Kind: "overdue", FireAt: now.Add(time.Hour),
	}
	require.NoError(t, s.CreateTimerEvent(ctx, past))
	require.NoError(t, s.CreateTimerEvent(ctx, future))

	due, err := s.ListDueTimerEvents(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, past.ID, due[0].ID)

	require.NoError(t, s.MarkTimerEventFired(ctx, past.ID))

	due, err = s.ListDueTimerEvents(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, due)

	// Firing twice is rejected.
	err = s.MarkTimerEventFired(ctx, past.ID)
	require.Error(t, err)
}

func TestCancelTimerEventsForFlow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tpl := seedTemplate(t, s, "org-1")
	f := seedFlow(t, s, tpl)

	later := time.Now().UTC().Add(time.Hour)
	for _, kind := range []string{"reminder", "overdue", "escalation"} {
		require.NoError(t, s.CreateTimerEvent(ctx, &TimerEvent{
			ID: uuid.New().String(), FlowID: f.ID, StepExecutionID: "exec-1",
			Kind: kind, FireAt: later,
		}))
	}

	require.NoError(t, s.CancelTimerEventsForFlow(ctx, f.ID))

	due, err := s.ListDueTimerEvents(ctx, later.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestCancelTimerEventsForExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tpl := seedTemplate(t, s, "org-1")
	f := seedFlow(t, s, tpl)

	later := time.Now().UTC().Add(time.Hour)
	keep := &TimerEvent{
		ID: uuid.New().String(), FlowID: f.ID, StepExecutionID: "exec-2",
		Kind: "reminder", FireAt: later,
	}
	drop := &TimerEvent{
		ID: uuid.New().String(), FlowID: f.ID, StepExecutionID: "exec-1",
		Kind: "reminder", FireAt: later,
	}
	require.NoError(t, s.CreateTimerEvent(ctx, keep))
	require.NoError(t, s.CreateTimerEvent(ctx, drop))

	require.NoError(t, s.CancelTimerEventsForExecution(ctx, "exec-1"))

	due, err := s.ListDueTimerEvents(ctx, later.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, keep.ID, due[0].ID)
}

// --- Flow Event Tests ---

func TestAppendFlowEvent_SequencesPerFlow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tpl := seedTemplate(t, s, "org-1")
	f1 := seedFlow(t, s, tpl)
	f2 := seedFlow(t, s, tpl)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendFlowEvent(ctx, &FlowEvent{
			FlowID: f1.ID, Type: schema.EventStepCompleted, StepID: "step1",
		}))
	}
	require.NoError(t, s.AppendFlowEvent(ctx, &FlowEvent{FlowID: f2.ID, Type: schema.EventFlowStarted}))

	events, err := s.ListFlowEvents(ctx, f1.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	events, err = s.ListFlowEvents(ctx, f2.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(1), events[0].Sequence)

	// Since filter skips already-seen events.
	events, err = s.ListFlowEvents(ctx, f1.ID, 2)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(3), events[0].Sequence)
}

// --- Scheduled Start Tests ---

func TestScheduledStartLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tpl := seedTemplate(t, s, "org-1")

	job := &ScheduledStart{
		ID:             uuid.New().String(),
		OrgID:          "org-1",
		TemplateID:     tpl.ID,
		CronExpression: "0 9 * * MON",
		StarterUserID:  "user-1",
		Enabled:        true,
	}
	require.NoError(t, s.CreateScheduledStart(ctx, job))

	next := time.Now().UTC().Add(24 * time.Hour)
	require.NoError(t, s.UpdateScheduledStart(ctx, job.ID, ScheduledStartUpdate{
		NextRunAt: &next, LastRunStatus: "success",
	}))

	got, err := s.GetScheduledStart(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "0 9 * * MON", got.CronExpression)
	assert.Equal(t, "success", got.LastRunStatus)
	assert.NotNil(t, got.NextRunAt)

	enabled := true
	jobs, err := s.ListScheduledStarts(ctx, ScheduledStartFilter{OrgID: "org-1", Enabled: &enabled})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	disabled := false
	require.NoError(t, s.UpdateScheduledStart(ctx, job.ID, ScheduledStartUpdate{Enabled: &disabled}))
	jobs, err = s.ListScheduledStarts(ctx, ScheduledStartFilter{OrgID: "org-1", Enabled: &enabled})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}
