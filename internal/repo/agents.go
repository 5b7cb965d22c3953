package repo

import (
	"context"
	"database/sql"

	"github.com/fall-development-rob/cto-flow-sub000/internal/domain"
)

const agentColumns = `id,type,capabilities_json,languages_json,frameworks_json,domains_json,workload,health,success_rate,tasks_completed,avg_minutes,max_concurrent,seq,created_at,updated_at`

func (r Repo) InsertAgent(ctx context.Context, tx *sql.Tx, a domain.AgentProfile) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO agents(`+agentColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, nullable(a.Type), marshalSlice(a.Capabilities), marshalSlice(a.Languages), marshalSlice(a.Frameworks), marshalSlice(a.Domains),
		a.Workload, a.Health, a.SuccessRate, a.TasksCompleted, a.AvgMinutes, a.MaxConcurrent, a.Seq, a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) UpdateAgent(ctx context.Context, tx *sql.Tx, a domain.AgentProfile) error {
	res, err := tx.ExecContext(ctx, `UPDATE agents SET type=?, capabilities_json=?, languages_json=?, frameworks_json=?, domains_json=?, workload=?, health=?, success_rate=?, tasks_completed=?, avg_minutes=?, max_concurrent=?, updated_at=? WHERE id=?`,
		nullable(a.Type), marshalSlice(a.Capabilities), marshalSlice(a.Languages), marshalSlice(a.Frameworks), marshalSlice(a.Domains),
		a.Workload, a.Health, a.SuccessRate, a.TasksCompleted, a.AvgMinutes, a.MaxConcurrent, a.UpdatedAt, a.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAgent(scan func(...any) error) (domain.AgentProfile, error) {
	var a domain.AgentProfile
	var agentType, caps, langs, fws, doms sql.NullString
	err := scan(&a.ID, &agentType, &caps, &langs, &fws, &doms, &a.Workload, &a.Health, &a.SuccessRate,
		&a.TasksCompleted, &a.AvgMinutes, &a.MaxConcurrent, &a.Seq, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if agentType.Valid {
		a.Type = agentType.String
	}
	a.Capabilities = unmarshalSlice(caps)
	a.Languages = unmarshalSlice(langs)
	a.Frameworks = unmarshalSlice(fws)
	a.Domains = unmarshalSlice(doms)
	return a, nil
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.AgentProfile, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id)
	return scanAgent(row.Scan)
}

// GetAgentTx reads the agent inside the caller's transaction. The pool is
// capped at one connection, so in-transaction reads must not touch it.
func (r Repo) GetAgentTx(ctx context.Context, tx *sql.Tx, id string) (domain.AgentProfile, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id=?`, id)
	return scanAgent(row.Scan)
}

// ListAgents returns agents ordered by registration sequence for
// deterministic selection.
func (r Repo) ListAgents(ctx context.Context) ([]domain.AgentProfile, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentProfile
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// NextAgentSeq allocates the next registration sequence number.
func (r Repo) NextAgentSeq(ctx context.Context, tx *sql.Tx) (int64, error) {
	var seq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM agents`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq.Int64 + 1, nil
}

func (r Repo) RecordAgentOutcome(ctx context.Context, tx *sql.Tx, agentID string, ok bool, ts string) error {
	okInt := 0
	if ok {
		okInt = 1
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO agent_errors(agent_id,ok,ts) VALUES (?,?,?)`, agentID, okInt, ts); err != nil {
		return err
	}
	// Keep the rolling window small; classification only looks at the last 5.
	_, err := tx.ExecContext(ctx, `DELETE FROM agent_errors WHERE agent_id=? AND id NOT IN (
        SELECT id FROM agent_errors WHERE agent_id=? ORDER BY id DESC LIMIT 20)`, agentID, agentID)
	return err
}

// RecentOutcomes returns the last n outcome flags for an agent, newest first.
func (r Repo) RecentOutcomes(ctx context.Context, agentID string, n int) ([]bool, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT ok FROM agent_errors WHERE agent_id=? ORDER BY id DESC LIMIT ?`, agentID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []bool
	for rows.Next() {
		var ok int
		if err := rows.Scan(&ok); err != nil {
			return nil, err
		}
		res = append(res, ok == 1)
	}
	return res, rows.Err()
}

// --- assignments ---

const assignmentColumns = `id,issue_id,agent_id,score,breakdown_json,claimed_at,closed_at,outcome`

func (r Repo) InsertAssignment(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO assignments(`+assignmentColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		a.ID, a.IssueID, a.AgentID, a.Score, nullable(a.BreakdownJSON), a.ClaimedAt, nullableStringPtr(a.ClosedAt), nullable(a.Outcome))
	return err
}

func (r Repo) CloseAssignment(ctx context.Context, tx *sql.Tx, id, closedAt, outcome string) error {
	res, err := tx.ExecContext(ctx, `UPDATE assignments SET closed_at=?, outcome=? WHERE id=? AND closed_at IS NULL`, closedAt, outcome, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAssignment(scan func(...any) error) (domain.Assignment, error) {
	var a domain.Assignment
	var breakdown, closedAt, outcome sql.NullString
	err := scan(&a.ID, &a.IssueID, &a.AgentID, &a.Score, &breakdown, &a.ClaimedAt, &closedAt, &outcome)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if breakdown.Valid {
		a.BreakdownJSON = breakdown.String
	}
	if closedAt.Valid {
		a.ClosedAt = &closedAt.String
	}
	if outcome.Valid {
		a.Outcome = outcome.String
	}
	return a, nil
}

// OpenAssignment returns the active assignment for an issue, if any.
func (r Repo) OpenAssignment(ctx context.Context, issueID string) (domain.Assignment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE issue_id=? AND closed_at IS NULL`, issueID)
	return scanAssignment(row.Scan)
}

// OpenAssignmentTx is OpenAssignment inside the caller's transaction.
func (r Repo) OpenAssignmentTx(ctx context.Context, tx *sql.Tx, issueID string) (domain.Assignment, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE issue_id=? AND closed_at IS NULL`, issueID)
	return scanAssignment(row.Scan)
}

func (r Repo) ListAssignments(ctx context.Context, issueID, agentID string, openOnly bool) ([]domain.Assignment, error) {
	clauses := []string{"1=1"}
	var args []any
	if issueID != "" {
		clauses = append(clauses, "issue_id=?")
		args = append(args, issueID)
	}
	if agentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, agentID)
	}
	if openOnly {
		clauses = append(clauses, "closed_at IS NULL")
	}
	query := `SELECT ` + assignmentColumns + ` FROM assignments WHERE ` + clauses[0]
	for _, c := range clauses[1:] {
		query += " AND " + c
	}
	query += ` ORDER BY claimed_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ActiveCounts returns the open assignment count per agent.
func (r Repo) ActiveCounts(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT agent_id, COUNT(*) FROM assignments WHERE closed_at IS NULL GROUP BY agent_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		res[id] = n
	}
	return res, rows.Err()
}
