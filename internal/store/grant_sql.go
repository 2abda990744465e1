package store

import (
	"fmt"
	"log/slog"
)

func (s *sqlStore) ApplyGrant(g Grant) (bool, error) {
	if err := g.Validate(); err != nil {
		return false, err
	}
	applied := false
	err := s.withTx(func(tx *sqlTx) error {
		ts := now()
		var unlimited any
		if g.Unlimited != nil {
			unlimited = *g.Unlimited
		}
		res, err := tx.exec(
			`INSERT INTO credit_grants (grant_id, user_id, credits, unlimited, applied_at) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (grant_id) DO NOTHING`,
			g.ID, g.UserID, g.Credits, unlimited, ts,
		)
		if err != nil {
			return fmt.Errorf("record grant: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("record grant rows affected: %w", err)
		}
		if n == 0 {
			return nil
		}
		if g.Credits > 0 {
			if _, err := tx.exec(
				`INSERT INTO profiles (user_id, credits, is_unlimited, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?)
				 ON CONFLICT (user_id) DO UPDATE SET credits = profiles.credits + excluded.credits, updated_at = excluded.updated_at`,
				g.UserID, g.Credits, false, ts, ts,
			); err != nil {
				return fmt.Errorf("grant credits: %w", err)
			}
		}
		if g.Unlimited != nil {
			if _, err := tx.exec(
				`INSERT INTO profiles (user_id, credits, is_unlimited, created_at, updated_at)
				 VALUES (?, 0, ?, ?, ?)
				 ON CONFLICT (user_id) DO UPDATE SET is_unlimited = excluded.is_unlimited, updated_at = excluded.updated_at`,
				g.UserID, *g.Unlimited, ts, ts,
			); err != nil {
				return fmt.Errorf("set unlimited: %w", err)
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		slog.Error(s.name+".ApplyGrant failed", "error", err, "grantID", g.ID, "userID", g.UserID)
		return false, err
	}
	slog.Info(s.name+".ApplyGrant", "grantID", g.ID, "userID", g.UserID, "credits", g.Credits, "applied", applied)
	return applied, nil
}
