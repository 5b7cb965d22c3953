package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fall-development-rob/cto-flow-sub000/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertEpic(ctx context.Context, tx *sql.Tx, e domain.Epic) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO epics(id,title,state,objectives_json,constraints_json,external_ref,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Title, e.State, marshalSlice(e.Objectives), marshalSlice(e.Constraints), nullable(e.ExternalRef), e.Version, e.CreatedAt, e.UpdatedAt)
	return err
}

func (r Repo) UpdateEpic(ctx context.Context, tx *sql.Tx, e domain.Epic) error {
	res, err := tx.ExecContext(ctx, `UPDATE epics SET title=?, state=?, objectives_json=?, constraints_json=?, external_ref=?, version=?, updated_at=? WHERE id=?`,
		e.Title, e.State, marshalSlice(e.Objectives), marshalSlice(e.Constraints), nullable(e.ExternalRef), e.Version, e.UpdatedAt, e.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanEpic(scan func(...any) error) (domain.Epic, error) {
	var e domain.Epic
	var objectives, constraints, externalRef sql.NullString
	err := scan(&e.ID, &e.Title, &e.State, &objectives, &constraints, &externalRef, &e.Version, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.Objectives = unmarshalSlice(objectives)
	e.Constraints = unmarshalSlice(constraints)
	if externalRef.Valid {
		e.ExternalRef = externalRef.String
	}
	return e, nil
}

const epicColumns = `id,title,state,objectives_json,constraints_json,external_ref,version,created_at,updated_at`

func (r Repo) GetEpic(ctx context.Context, id string) (domain.Epic, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+epicColumns+` FROM epics WHERE id=?`, id)
	return scanEpic(row.Scan)
}

func (r Repo) GetEpicTx(ctx context.Context, tx *sql.Tx, id string) (domain.Epic, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+epicColumns+` FROM epics WHERE id=?`, id)
	return scanEpic(row.Scan)
}

func (r Repo) ListEpics(ctx context.Context) ([]domain.Epic, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+epicColumns+` FROM epics ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Epic
	for rows.Next() {
		e, err := scanEpic(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

// SingleEpic returns the only epic when exactly one exists.
func (r Repo) SingleEpic(ctx context.Context) (domain.Epic, error) {
	epics, err := r.ListEpics(ctx)
	if err != nil {
		return domain.Epic{}, err
	}
	if len(epics) == 0 {
		return domain.Epic{}, ErrNotFound
	}
	if len(epics) > 1 {
		return domain.Epic{}, fmt.Errorf("multiple epics exist; specify --epic")
	}
	return epics[0], nil
}

// MarkEpicEvent records a transition event id for dedup. Returns false when
// the event id was already applied.
func (r Repo) MarkEpicEvent(ctx context.Context, tx *sql.Tx, eventID, epicID, toState, ts string) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO epic_events(event_id,epic_id,to_state,applied_at) VALUES (?,?,?,?)`,
		eventID, epicID, toState, ts)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// --- issues ---

const issueColumns = `id,epic_id,title,description,requirements_json,priority,status,assignee_id,claimed_at,last_activity_at,created_at,updated_at`

func (r Repo) InsertIssue(ctx context.Context, tx *sql.Tx, i domain.Issue) error {
	req, err := json.Marshal(i.Requirements)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO issues(`+issueColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		i.ID, i.EpicID, i.Title, nullable(i.Description), string(req), i.Priority, i.Status,
		nullableStringPtr(i.AssigneeID), nullableStringPtr(i.ClaimedAt), i.LastActivityAt, i.CreatedAt, i.UpdatedAt)
	if err != nil {
		return err
	}
	return r.addDeps(ctx, tx, i.ID, i.DependsOn)
}

func (r Repo) UpdateIssue(ctx context.Context, tx *sql.Tx, i domain.Issue) error {
	req, err := json.Marshal(i.Requirements)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE issues SET title=?, description=?, requirements_json=?, priority=?, status=?, assignee_id=?, claimed_at=?, last_activity_at=?, updated_at=? WHERE id=?`,
		i.Title, nullable(i.Description), string(req), i.Priority, i.Status,
		nullableStringPtr(i.AssigneeID), nullableStringPtr(i.ClaimedAt), i.LastActivityAt, i.UpdatedAt, i.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanIssue(scan func(...any) error) (domain.Issue, error) {
	var i domain.Issue
	var description, requirements, assigneeID, claimedAt sql.NullString
	err := scan(&i.ID, &i.EpicID, &i.Title, &description, &requirements, &i.Priority, &i.Status,
		&assigneeID, &claimedAt, &i.LastActivityAt, &i.CreatedAt, &i.UpdatedAt)
	if err == sql.ErrNoRows {
		return i, ErrNotFound
	}
	if err != nil {
		return i, err
	}
	if description.Valid {
		i.Description = description.String
	}
	if requirements.Valid {
		_ = json.Unmarshal([]byte(requirements.String), &i.Requirements)
	}
	if assigneeID.Valid {
		i.AssigneeID = &assigneeID.String
	}
	if claimedAt.Valid {
		i.ClaimedAt = &claimedAt.String
	}
	return i, nil
}

func (r Repo) GetIssue(ctx context.Context, id string) (domain.Issue, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id=?`, id)
	i, err := scanIssue(row.Scan)
	if err != nil {
		return i, err
	}
	i.DependsOn, err = r.ListIssueDependencies(ctx, i.ID)
	return i, err
}

func (r Repo) GetIssueTx(ctx context.Context, tx *sql.Tx, id string) (domain.Issue, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id=?`, id)
	i, err := scanIssue(row.Scan)
	if err != nil {
		return i, err
	}
	rows, err := tx.QueryContext(ctx, `SELECT depends_on_issue_id FROM issue_deps WHERE issue_id=?`, id)
	if err != nil {
		return i, err
	}
	defer rows.Close()
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return i, err
		}
		i.DependsOn = append(i.DependsOn, dep)
	}
	return i, nil
}

type IssueFilters struct {
	EpicID     string
	Status     string
	AssigneeID string
	Statuses   []string
	Limit      int
}

func (r Repo) ListIssues(ctx context.Context, f IssueFilters) ([]domain.Issue, error) {
	var clauses []string
	var args []any
	if f.EpicID != "" {
		clauses = append(clauses, "epic_id=?")
		args = append(args, f.EpicID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if len(f.Statuses) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.Statuses)), ",")
		clauses = append(clauses, "status IN ("+placeholders+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + issueColumns + ` FROM issues ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Issue
	for rows.Next() {
		i, err := scanIssue(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, i)
	}
	return res, rows.Err()
}

// ReadyIssues returns open issues whose dependencies are all done, ordered by
// priority then age.
func (r Repo) ReadyIssues(ctx context.Context, epicID string) ([]domain.Issue, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+issueColumns+` FROM issues
WHERE epic_id=? AND status=? AND NOT EXISTS (
    SELECT 1 FROM issue_deps d
    JOIN issues dep ON dep.id=d.depends_on_issue_id
    WHERE d.issue_id=issues.id AND dep.status != 'done'
)
ORDER BY
    CASE priority WHEN 'critical' THEN 0 WHEN 'high' THEN 1 WHEN 'medium' THEN 2 ELSE 3 END,
    created_at ASC, id ASC`, epicID, domain.IssueOpen)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Issue
	for rows.Next() {
		i, err := scanIssue(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, i)
	}
	return res, rows.Err()
}

func (r Repo) ListIssueDependencies(ctx context.Context, issueID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT depends_on_issue_id FROM issue_deps WHERE issue_id=?`, issueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, nil
}

func (r Repo) addDeps(ctx context.Context, tx *sql.Tx, issueID string, deps []string) error {
	for _, d := range deps {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO issue_deps(issue_id, depends_on_issue_id) VALUES (?,?)`, issueID, d); err != nil {
			return err
		}
	}
	return nil
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, epicID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if epicID != "" {
		clauses = append(clauses, "epic_id=?")
		args = append(args, epicID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,epic_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, epicID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if epicID != "" {
		clauses = append(clauses, "epic_id=?")
		args = append(args, epicID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,epic_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id ASC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// LatestEventID returns the most recent event ID for an epic.
func (r Repo) LatestEventID(ctx context.Context, epicID string) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events WHERE epic_id=?`, epicID)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var epicID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &epicID, &e.EntityKind, &entityID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if epicID.Valid {
			e.EpicID = epicID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// MarkInboundEvent records an external delivery id with its content
// fingerprint. It reports whether the event should be processed: false for a
// duplicate id or an unchanged fingerprint.
func (r Repo) MarkInboundEvent(ctx context.Context, eventID, fingerprint, ts string) (bool, error) {
	var existing sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT fingerprint FROM inbound_events WHERE event_id=?`, eventID).Scan(&existing)
	if err == nil {
		if existing.Valid && existing.String == fingerprint {
			return false, nil
		}
		// Same delivery id but changed content; refresh and reprocess.
		_, err = r.DB.ExecContext(ctx, `UPDATE inbound_events SET fingerprint=?, seen_at=? WHERE event_id=?`, fingerprint, ts, eventID)
		return err == nil, err
	}
	if err != sql.ErrNoRows {
		return false, err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO inbound_events(event_id,fingerprint,seen_at) VALUES (?,?,?)`, eventID, fingerprint, ts)
	return err == nil, err
}

// --- helpers ---

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func marshalSlice(in []string) any {
	if len(in) == 0 {
		return nil
	}
	b, _ := json.Marshal(in)
	return string(b)
}

func unmarshalSlice(in sql.NullString) []string {
	if !in.Valid || in.String == "" {
		return nil
	}
	var out []string
	_ = json.Unmarshal([]byte(in.String), &out)
	return out
}
