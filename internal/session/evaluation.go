package session

import (
	"time"
)

// Evaluation is one scored candidate of a completed run.
type Evaluation struct {
	SessionID   string
	CandidateID string
	Score       float64
	Reason      string
	CreatedAt   time.Time
}

// SaveEvaluations upserts the scored results of a session.
func (s *Store) SaveEvaluations(sessionID string, evals []Evaluation) error {
	tx, err := s.db.Write().Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO evaluations (session_id, candidate_id, score, reason, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, candidate_id) DO UPDATE SET
			score = excluded.score,
			reason = excluded.reason,
			created_at = excluded.created_at
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, eval := range evals {
		if _, err := stmt.Exec(sessionID, eval.CandidateID, eval.Score, eval.Reason, now); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListEvaluations returns a session's scored candidates, best first.
func (s *Store) ListEvaluations(sessionID string) ([]Evaluation, error) {
	rows, err := s.db.Read().Query(`
		SELECT candidate_id, score, reason, created_at
		FROM evaluations WHERE session_id = ?
		ORDER BY score DESC, candidate_id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evals []Evaluation
	for rows.Next() {
		eval := Evaluation{SessionID: sessionID}
		if err := rows.Scan(&eval.CandidateID, &eval.Score, &eval.Reason, &eval.CreatedAt); err != nil {
			return nil, err
		}
		evals = append(evals, eval)
	}

	return evals, rows.Err()
}
