package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/mukund-aria/ai-flow-saas-sub008/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Templates ---

func (s *LibSQLStore) CreateTemplate(ctx context.Context, tpl *Template) error {
	def, err := json.Marshal(tpl.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	version := tpl.Version
	if version == 0 {
		version = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO templates (id, org_id, name, definition, kickoff_schema, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tpl.ID, tpl.OrgID, tpl.Name, string(def), nullRaw(tpl.KickoffSchema), version,
		timeOrNow(tpl.CreatedAt), timeOrNow(tpl.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetTemplate(ctx context.Context, id string) (*Template, error) {
	t := &Template{}
	var defJSON string
	var kickoff sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, name, definition, kickoff_schema, version, created_at, updated_at
		 FROM templates WHERE id = ?`, id,
	).Scan(&t.ID, &t.OrgID, &t.Name, &defJSON, &kickoff, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("template", id)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(defJSON), &t.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	t.KickoffSchema = rawOrNil(kickoff)
	return t, nil
}

func (s *LibSQLStore) UpdateTemplate(ctx context.Context, id string, update TemplateUpdate) error {
	var sets []string
	var args []any

	if update.Definition != nil {
		def, err := json.Marshal(update.Definition)
		if err != nil {
			return fmt.Errorf("marshal definition: %w", err)
		}
		sets = append(sets, "definition = ?")
		args = append(args, string(def))
	}
	if update.KickoffSchema != nil {
		sets = append(sets, "kickoff_schema = ?")
		args = append(args, string(update.KickoffSchema))
	}
	if update.Version != nil {
		sets = append(sets, "version = ?")
		args = append(args, *update.Version)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE templates SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "template", id)
}

func (s *LibSQLStore) ListTemplates(ctx context.Context, filter TemplateFilter) ([]*Template, error) {
	var where []string
	var args []any

	if filter.OrgID != "" {
		where = append(where, "org_id = ?")
		args = append(args, filter.OrgID)
	}
	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}

	query := `SELECT id, org_id, name, definition, kickoff_schema, version, created_at, updated_at FROM templates`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []*Template
	for rows.Next() {
		t := &Template{}
		var defJSON string
		var kickoff sql.NullString
		if err := rows.Scan(&t.ID, &t.OrgID, &t.Name, &defJSON, &kickoff, &t.Version, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(defJSON), &t.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		t.KickoffSchema = rawOrNil(kickoff)
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

func (s *LibSQLStore) DeleteTemplate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "template", id)
}

// --- Flows ---

func (s *LibSQLStore) CreateFlow(ctx context.Context, flow *Flow) error {
	kickoff, err := marshalMapOrDefault(flow.KickoffData)
	if err != nil {
		return fmt.Errorf("marshal kickoff_data: %w", err)
	}
	vars, err := marshalMapOrDefault(flow.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	roles, err := json.Marshal(flow.RoleAssignments)
	if err != nil {
		return fmt.Errorf("marshal role_assignments: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO flows (id, org_id, template_id, name, status, starter_user_id, kickoff_data, variables, role_assignments, due_at, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		flow.ID, flow.OrgID, flow.TemplateID, nullStr(flow.Name),
		string(flow.Status), flow.StarterUserID,
		string(kickoff), string(vars), string(roles),
		nullTime(flow.DueAt), timeOrNow(flow.CreatedAt),
		nullTime(flow.StartedAt), nullTime(flow.CompletedAt), timeOrNow(flow.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetFlow(ctx context.Context, id string) (*Flow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, template_id, name, status, starter_user_id, kickoff_data, variables, role_assignments, due_at, created_at, started_at, completed_at, updated_at
		 FROM flows WHERE id = ?`, id,
	)
	flow, err := scanFlow(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("flow", id)
	}
	return flow, err
}

func (s *LibSQLStore) UpdateFlow(ctx context.Context, id string, update FlowUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Variables != nil {
		vars, err := json.Marshal(update.Variables)
		if err != nil {
			return fmt.Errorf("marshal variables: %w", err)
		}
		sets = append(sets, "variables = ?")
		args = append(args, string(vars))
	}
	if update.RoleAssignments != nil {
		roles, err := json.Marshal(update.RoleAssignments)
		if err != nil {
			return fmt.Errorf("marshal role_assignments: %w", err)
		}
		sets = append(sets, "role_assignments = ?")
		args = append(args, string(roles))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE flows SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "flow", id)
}

func (s *LibSQLStore) ListFlows(ctx context.Context, filter FlowFilter) ([]*Flow, error) {
	var where []string
	var args []any

	if filter.OrgID != "" {
		where = append(where, "org_id = ?")
		args = append(args, filter.OrgID)
	}
	if filter.TemplateID != "" {
		where = append(where, "template_id = ?")
		args = append(args, filter.TemplateID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT id, org_id, template_id, name, status, starter_user_id, kickoff_data, variables, role_assignments, due_at, created_at, started_at, completed_at, updated_at FROM flows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flows []*Flow
	for rows.Next() {
		flow, err := scanFlow(rows.Scan)
		if err != nil {
			return nil, err
		}
		flows = append(flows, flow)
	}
	return flows, rows.Err()
}

func (s *LibSQLStore) DeleteFlow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM flows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "flow", id)
}

func scanFlow(scan func(dest ...any) error) (*Flow, error) {
	f := &Flow{}
	var (
		name                   sql.NullString
		status                 string
		kickoffJSON, varsJSON  sql.NullString
		rolesJSON              sql.NullString
		dueAt                  sql.NullTime
		startedAt, completedAt sql.NullTime
	)
	if err := scan(&f.ID, &f.OrgID, &f.TemplateID, &name, &status, &f.StarterUserID,
		&kickoffJSON, &varsJSON, &rolesJSON, &dueAt, &f.CreatedAt, &startedAt, &completedAt, &f.UpdatedAt); err != nil {
		return nil, err
	}
	f.Name = name.String
	f.Status = schema.FlowStatus(status)
	if kickoffJSON.Valid && kickoffJSON.String != "" {
		_ = json.Unmarshal([]byte(kickoffJSON.String), &f.KickoffData)
	}
	if varsJSON.Valid && varsJSON.String != "" {
		_ = json.Unmarshal([]byte(varsJSON.String), &f.Variables)
	}
	if rolesJSON.Valid && rolesJSON.String != "" {
		_ = json.Unmarshal([]byte(rolesJSON.String), &f.RoleAssignments)
	}
	if dueAt.Valid {
		f.DueAt = &dueAt.Time
	}
	if startedAt.Valid {
		f.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		f.CompletedAt = &completedAt.Time
	}
	return f, nil
}

// --- Step executions ---

func (s *LibSQLStore) CreateStepExecution(ctx context.Context, ex *StepExecution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_executions (id, flow_id, step_id, status, contact_id, user_id, started_at, due_at, completed_at, output, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.FlowID, ex.StepID, string(ex.Status),
		nullStr(ex.ContactID), nullStr(ex.UserID),
		nullTime(ex.StartedAt), nullTime(ex.DueAt), nullTime(ex.CompletedAt),
		nullRaw(ex.Output), timeOrNow(ex.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetStepExecution(ctx context.Context, id string) (*StepExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, flow_id, step_id, status, contact_id, user_id, started_at, due_at, completed_at, output, created_at
		 FROM step_executions WHERE id = ?`, id,
	)
	ex, err := scanStepExecution(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("step_execution", id)
	}
	return ex, err
}

func (s *LibSQLStore) GetStepExecutionByStep(ctx context.Context, flowID, stepID string) (*StepExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, flow_id, step_id, status, contact_id, user_id, started_at, due_at, completed_at, output, created_at
		 FROM step_executions WHERE flow_id = ? AND step_id = ?`, flowID, stepID,
	)
	ex, err := scanStepExecution(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("step_execution", flowID+"/"+stepID)
	}
	return ex, err
}

func (s *LibSQLStore) UpdateStepExecution(ctx context.Context, id string, update StepExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.ContactID != nil {
		sets = append(sets, "contact_id = ?")
		args = append(args, nullStr(*update.ContactID))
	}
	if update.UserID != nil {
		sets = append(sets, "user_id = ?")
		args = append(args, nullStr(*update.UserID))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.DueAt != nil {
		sets = append(sets, "due_at = ?")
		args = append(args, *update.DueAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE step_executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "step_execution", id)
}

func (s *LibSQLStore) ListStepExecutions(ctx context.Context, flowID string) ([]*StepExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, flow_id, step_id, status, contact_id, user_id, started_at, due_at, completed_at, output, created_at
		 FROM step_executions WHERE flow_id = ? ORDER BY created_at ASC`, flowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []*StepExecution
	for rows.Next() {
		ex, err := scanStepExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		executions = append(executions, ex)
	}
	return executions, rows.Err()
}

func scanStepExecution(scan func(dest ...any) error) (*StepExecution, error) {
	ex := &StepExecution{}
	var (
		status                            string
		contactID, userID                 sql.NullString
		startedAt, dueAt, completedAt     sql.NullTime
		output                            sql.NullString
	)
	if err := scan(&ex.ID, &ex.FlowID, &ex.StepID, &status, &contactID, &userID,
		&startedAt, &dueAt, &completedAt, &output, &ex.CreatedAt); err != nil {
		return nil, err
	}
	ex.Status = schema.StepExecutionStatus(status)
	ex.ContactID = contactID.String
	ex.UserID = userID.String
	ex.Output = rawOrNil(output)
	if startedAt.Valid {
		ex.StartedAt = &startedAt.Time
	}
	if dueAt.Valid {
		ex.DueAt = &dueAt.Time
	}
	if completedAt.Valid {
		ex.CompletedAt = &completedAt.Time
	}
	return ex, nil
}

// --- Contacts ---

// FindOrCreateContact looks up a contact by email within an org, creating it
// on first sight. Emails are normalized to lower case before matching.
func (s *LibSQLStore) FindOrCreateContact(ctx context.Context, orgID, email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "contact email is empty")
	}

	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM contacts WHERE org_id = ? AND email = ?`, orgID, email,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", err
	}

	id = uuid.NewString()
	name := email
	if at := strings.Index(email, "@"); at > 0 {
		name = email[:at]
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO contacts (id, org_id, email, name, created_at) VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(org_id, email) DO NOTHING`, id, orgID, email, name,
	)
	if err != nil {
		return "", err
	}
	// Re-read in case a concurrent insert won the conflict.
	if err := s.db.QueryRowContext(ctx,
		`SELECT id FROM contacts WHERE org_id = ? AND email = ?`, orgID, email,
	).Scan(&id); err != nil {
		return "", err
	}
	return id, nil
}

func (s *LibSQLStore) GetContact(ctx context.Context, id string) (*Contact, error) {
	c := &Contact{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, email, name, created_at FROM contacts WHERE id = ?`, id,
	).Scan(&c.ID, &c.OrgID, &c.Email, &c.Name, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("contact", id)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// CountAssignments counts step executions assigned to a contact across all
// flows of a template, regardless of flow status.
func (s *LibSQLStore) CountAssignments(ctx context.Context, templateID, contactID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM step_executions se
		 JOIN flows f ON f.id = se.flow_id
		 WHERE f.template_id = ? AND se.contact_id = ?`, templateID, contactID,
	).Scan(&n)
	return n, err
}

// --- Notification settings ---

func (s *LibSQLStore) GetNotificationSettings(ctx context.Context, orgID string) (*NotificationSettings, error) {
	ns := &NotificationSettings{OrgID: orgID}
	err := s.db.QueryRowContext(ctx,
		`SELECT reminders_enabled, reminder_lead_minutes, overdue_enabled, escalations_enabled, escalation_delay_minutes
		 FROM notification_settings WHERE org_id = ?`, orgID,
	).Scan(&ns.RemindersEnabled, &ns.ReminderLeadMinutes, &ns.OverdueEnabled, &ns.EscalationsEnabled, &ns.EscalationDelayMinutes)
	if err == sql.ErrNoRows {
		// Absent settings mean every timed event is disabled.
		return ns, nil
	}
	if err != nil {
		return nil, err
	}
	return ns, nil
}

func (s *LibSQLStore) UpsertNotificationSettings(ctx context.Context, ns *NotificationSettings) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notification_settings (org_id, reminders_enabled, reminder_lead_minutes, overdue_enabled, escalations_enabled, escalation_delay_minutes)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(org_id) DO UPDATE SET
		   reminders_enabled=excluded.reminders_enabled, reminder_lead_minutes=excluded.reminder_lead_minutes,
		   overdue_enabled=excluded.overdue_enabled, escalations_enabled=excluded.escalations_enabled,
		   escalation_delay_minutes=excluded.escalation_delay_minutes`,
		ns.OrgID, ns.RemindersEnabled, ns.ReminderLeadMinutes, ns.OverdueEnabled, ns.EscalationsEnabled, ns.EscalationDelayMinutes,
	)
	return err
}

// --- Timer events ---

func (s *LibSQLStore) CreateTimerEvent(ctx context.Context, ev *TimerEvent) error {
	status := ev.Status
	if status == "" {
		status = TimerPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO timer_events (id, flow_id, step_execution_id, kind, fire_at, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.FlowID, nullStr(ev.StepExecutionID), ev.Kind, ev.FireAt, string(status), timeOrNow(ev.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListDueTimerEvents(ctx context.Context, before time.Time) ([]*TimerEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, flow_id, step_execution_id, kind, fire_at, status, created_at
		 FROM timer_events WHERE status = ? AND fire_at <= ? ORDER BY fire_at ASC`,
		string(TimerPending), before,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*TimerEvent
	for rows.Next() {
		ev := &TimerEvent{}
		var execID sql.NullString
		var status string
		if err := rows.Scan(&ev.ID, &ev.FlowID, &execID, &ev.Kind, &ev.FireAt, &status, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.StepExecutionID = execID.String
		ev.Status = TimerEventStatus(status)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *LibSQLStore) MarkTimerEventFired(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE timer_events SET status = ? WHERE id = ? AND status = ?`,
		string(TimerFired), id, string(TimerPending),
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "timer_event", id)
}

func (s *LibSQLStore) CancelTimerEventsForExecution(ctx context.Context, stepExecutionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE timer_events SET status = ? WHERE step_execution_id = ? AND status = ?`,
		string(TimerCancelled), stepExecutionID, string(TimerPending),
	)
	return err
}

func (s *LibSQLStore) CancelTimerEventsForFlow(ctx context.Context, flowID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE timer_events SET status = ? WHERE flow_id = ? AND status = ?`,
		string(TimerCancelled), flowID, string(TimerPending),
	)
	return err
}

// --- Flow events ---

// AppendFlowEvent appends an event with a monotonically increasing per-flow sequence.
func (s *LibSQLStore) AppendFlowEvent(ctx context.Context, ev *FlowEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM flow_events WHERE flow_id = ?`, ev.FlowID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	ev.Sequence = seq

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO flow_events (flow_id, step_id, event_type, payload, actor_id, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.FlowID, nullStr(ev.StepID), ev.Type, nullRaw(ev.Payload), nullStr(ev.ActorID), ev.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert flow event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit flow event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) ListFlowEvents(ctx context.Context, flowID string, since int64) ([]*FlowEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, flow_id, step_id, event_type, payload, actor_id, timestamp, sequence
		 FROM flow_events WHERE flow_id = ? AND sequence > ? ORDER BY sequence ASC`,
		flowID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*FlowEvent
	for rows.Next() {
		e := &FlowEvent{}
		var stepID, actorID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.FlowID, &stepID, &e.Type, &payload, &actorID, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		e.ActorID = actorID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Scheduled starts ---

func (s *LibSQLStore) CreateScheduledStart(ctx context.Context, job *ScheduledStart) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_starts (id, org_id, template_id, cron_expression, starter_user_id, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.OrgID, job.TemplateID, job.CronExpression, job.StarterUserID,
		job.Enabled, nullTime(job.LastRunAt), nullTime(job.NextRunAt),
		nullStr(job.LastRunStatus), timeOrNow(job.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetScheduledStart(ctx context.Context, id string) (*ScheduledStart, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, template_id, cron_expression, starter_user_id, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM scheduled_starts WHERE id = ?`, id,
	)
	job, err := scanScheduledStart(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled_start", id)
	}
	return job, err
}

func (s *LibSQLStore) UpdateScheduledStart(ctx context.Context, id string, update ScheduledStartUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_starts SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_start", id)
}

func (s *LibSQLStore) ListScheduledStarts(ctx context.Context, filter ScheduledStartFilter) ([]*ScheduledStart, error) {
	var where []string
	var args []any

	if filter.OrgID != "" {
		where = append(where, "org_id = ?")
		args = append(args, filter.OrgID)
	}
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}

	query := `SELECT id, org_id, template_id, cron_expression, starter_user_id, enabled, last_run_at, next_run_at, last_run_status, created_at FROM scheduled_starts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ScheduledStart
	for rows.Next() {
		job, err := scanScheduledStart(rows.Scan)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledStart(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_starts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_start", id)
}

func scanScheduledStart(scan func(dest ...any) error) (*ScheduledStart, error) {
	job := &ScheduledStart{}
	var lastRunAt, nextRunAt sql.NullTime
	var lastRunStatus sql.NullString
	if err := scan(&job.ID, &job.OrgID, &job.TemplateID, &job.CronExpression, &job.StarterUserID,
		&job.Enabled, &lastRunAt, &nextRunAt, &lastRunStatus, &job.CreatedAt); err != nil {
		return nil, err
	}
	job.LastRunStatus = lastRunStatus.String
	if lastRunAt.Valid {
		job.LastRunAt = &lastRunAt.Time
	}
	if nextRunAt.Valid {
		job.NextRunAt = &nextRunAt.Time
	}
	return job, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
