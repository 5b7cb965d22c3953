package repo

import (
	"context"
	"database/sql"

	"github.com/fall-development-rob/cto-flow-sub000/internal/domain"
)

const reviewColumns = `id,issue_id,reviewer_id,author_id,checks_json,quality,design,completeness,composite,decision,created_at`

func (r Repo) InsertReview(ctx context.Context, tx *sql.Tx, rec domain.ReviewRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO reviews(`+reviewColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.IssueID, rec.ReviewerID, rec.AuthorID, nullable(rec.ChecksJSON),
		rec.Quality, rec.Design, rec.Completeness, rec.Composite, rec.Decision, rec.CreatedAt)
	return err
}

func scanReview(scan func(...any) error) (domain.ReviewRecord, error) {
	var rec domain.ReviewRecord
	var checks sql.NullString
	err := scan(&rec.ID, &rec.IssueID, &rec.ReviewerID, &rec.AuthorID, &checks,
		&rec.Quality, &rec.Design, &rec.Completeness, &rec.Composite, &rec.Decision, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if checks.Valid {
		rec.ChecksJSON = checks.String
	}
	return rec, nil
}

// LatestReview returns the most recent review for an issue.
func (r Repo) LatestReview(ctx context.Context, issueID string) (domain.ReviewRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE issue_id=? ORDER BY created_at DESC, id DESC LIMIT 1`, issueID)
	return scanReview(row.Scan)
}

func (r Repo) ListReviews(ctx context.Context, issueID string, limit int) ([]domain.ReviewRecord, error) {
	query := `SELECT ` + reviewColumns + ` FROM reviews`
	var args []any
	if issueID != "" {
		query += ` WHERE issue_id=?`
		args = append(args, issueID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReviewRecord
	for rows.Next() {
		rec, err := scanReview(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// RecentReviewPairs returns reviewer->author pairs from the last n reviews,
// used to penalize back-and-forth review pairs.
func (r Repo) RecentReviewPairs(ctx context.Context, n int) (map[[2]string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT reviewer_id, author_id FROM reviews ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[[2]string]int{}
	for rows.Next() {
		var reviewer, author string
		if err := rows.Scan(&reviewer, &author); err != nil {
			return nil, err
		}
		res[[2]string{reviewer, author}]++
	}
	return res, rows.Err()
}

// --- blocked task records ---

const blockedColumns = `issue_id,agent_id,stalled_seconds,reason,state,detected_at,updated_at`

func (r Repo) UpsertBlockedTask(ctx context.Context, tx *sql.Tx, b domain.BlockedTaskRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO blocked_tasks(`+blockedColumns+`) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(issue_id) DO UPDATE SET agent_id=excluded.agent_id, stalled_seconds=excluded.stalled_seconds,
reason=excluded.reason, state=excluded.state, updated_at=excluded.updated_at`,
		b.IssueID, b.AgentID, b.StalledSeconds, b.Reason, b.State, b.DetectedAt, b.UpdatedAt)
	return err
}

func (r Repo) DeleteBlockedTask(ctx context.Context, tx *sql.Tx, issueID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM blocked_tasks WHERE issue_id=?`, issueID)
	return err
}

func (r Repo) GetBlockedTask(ctx context.Context, issueID string) (domain.BlockedTaskRecord, error) {
	var b domain.BlockedTaskRecord
	err := r.DB.QueryRowContext(ctx, `SELECT `+blockedColumns+` FROM blocked_tasks WHERE issue_id=?`, issueID).
		Scan(&b.IssueID, &b.AgentID, &b.StalledSeconds, &b.Reason, &b.State, &b.DetectedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	return b, err
}

func (r Repo) ListBlockedTasks(ctx context.Context) ([]domain.BlockedTaskRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+blockedColumns+` FROM blocked_tasks ORDER BY detected_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BlockedTaskRecord
	for rows.Next() {
		var b domain.BlockedTaskRecord
		if err := rows.Scan(&b.IssueID, &b.AgentID, &b.StalledSeconds, &b.Reason, &b.State, &b.DetectedAt, &b.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}
