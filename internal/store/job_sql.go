package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/traumfunke/storyflow/internal/util"
)

func (s *sqlStore) EnqueueJob(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	id := util.GenerateJobID()
	ts := now()

	if dedupeKey != "" {
		var existingID string
		err := s.queryRow(
			`SELECT id FROM jobs WHERE dedupe_key = ? AND status NOT IN ('done', 'canceled')`,
			dedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug(s.name+".EnqueueJob: dedupe hit", "dedupeKey", dedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("dedupe check failed: %w", err)
		}
	}

	_, err := s.exec(
		`INSERT INTO jobs (id, kind, run_at, payload_json, status, attempt, max_attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?, ?)`,
		id, kind, runAt.UTC(), payloadJSON, defaultJobMaxAttempts, nilIfEmpty(dedupeKey), ts, ts,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue job failed: %w", err)
	}
	slog.Debug(s.name+".EnqueueJob", "id", id, "kind", kind, "runAt", runAt)
	return id, nil
}

func (s *sqlStore) ClaimDueJobs(at time.Time, limit int) ([]Job, error) {
	at = at.UTC()
	if s.dialect == dialectPostgres {
		rows, err := s.db.Query(
			`UPDATE jobs SET status = 'running', locked_at = $1, updated_at = $1
			 WHERE id IN (
			   SELECT id FROM jobs WHERE status = 'queued' AND run_at <= $1
			   ORDER BY run_at ASC LIMIT $2
			   FOR UPDATE SKIP LOCKED
			 )
			 RETURNING `+jobColumns,
			at, limit,
		)
		if err != nil {
			return nil, fmt.Errorf("claim due jobs failed: %w", err)
		}
		defer rows.Close()
		return collectJobs(rows)
	}

	var jobs []Job
	err := s.withTx(func(tx *sqlTx) error {
		rows, err := tx.query(
			`SELECT `+jobColumns+` FROM jobs WHERE status = 'queued' AND run_at <= ? ORDER BY run_at ASC LIMIT ?`,
			at, limit,
		)
		if err != nil {
			return fmt.Errorf("claim due jobs query failed: %w", err)
		}
		jobs, err = collectJobs(rows)
		rows.Close()
		if err != nil {
			return err
		}
		for i := range jobs {
			if _, err := tx.exec(
				`UPDATE jobs SET status = 'running', locked_at = ?, updated_at = ? WHERE id = ?`,
				at, at, jobs[i].ID,
			); err != nil {
				return fmt.Errorf("mark job running failed: %w", err)
			}
			jobs[i].Status = JobStatusRunning
			lockedAt := at
			jobs[i].LockedAt = &lockedAt
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func collectJobs(rows *sql.Rows) ([]Job, error) {
	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job failed: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim due jobs iteration failed: %w", err)
	}
	return jobs, nil
}

func (s *sqlStore) CompleteJob(id string) error {
	_, err := s.exec(`UPDATE jobs SET status = 'done', locked_at = NULL, updated_at = ? WHERE id = ?`, now(), id)
	if err != nil {
		return fmt.Errorf("complete job failed: %w", err)
	}
	return nil
}

func (s *sqlStore) FailJob(id string, errMsg string, nextRunAt time.Time) error {
	return s.withTx(func(tx *sqlTx) error {
		var attempt, maxAttempts int
		err := tx.queryRow(`SELECT attempt, max_attempts FROM jobs WHERE id = ?`, id).Scan(&attempt, &maxAttempts)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("fail job lookup failed: %w", err)
		}

		attempt++
		if attempt >= maxAttempts {
			_, err = tx.exec(
				`UPDATE jobs SET status = 'failed', attempt = ?, last_error = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
				attempt, errMsg, now(), id,
			)
			slog.Warn(s.name+".FailJob: job exhausted its attempts", "id", id, "attempt", attempt, "error", errMsg)
		} else {
			_, err = tx.exec(
				`UPDATE jobs SET status = 'queued', attempt = ?, last_error = ?, run_at = ?, locked_at = NULL, updated_at = ? WHERE id = ?`,
				attempt, errMsg, nextRunAt.UTC(), now(), id,
			)
		}
		if err != nil {
			return fmt.Errorf("fail job update failed: %w", err)
		}
		return nil
	})
}

func (s *sqlStore) CancelJob(id string) error {
	_, err := s.exec(`UPDATE jobs SET status = 'canceled', locked_at = NULL, updated_at = ? WHERE id = ?`, now(), id)
	if err != nil {
		return fmt.Errorf("cancel job failed: %w", err)
	}
	return nil
}

func (s *sqlStore) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	result, err := s.exec(
		`UPDATE jobs SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'running' AND locked_at < ?`,
		now(), staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info(s.name+".RequeueStaleRunningJobs", "requeued", n)
	}
	return int(n), nil
}

func (s *sqlStore) GetJob(id string) (*Job, error) {
	j, err := scanJob(s.queryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job failed: %w", err)
	}
	return &j, nil
}
