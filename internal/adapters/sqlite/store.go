// Package sqlite persists group membership and last known areas in SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/okian/geopresence/internal/adapters/sqlite/migrations"
	"github.com/okian/geopresence/internal/domain/model"
	"github.com/okian/geopresence/internal/domain/presence"
	_ "modernc.org/sqlite" // driver
)

// Store is a SQLite-backed group directory and transition publisher.
type Store struct {
	db *sql.DB
}

// Open opens the database at path and applies migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// PutGroup creates or replaces a group and its member list.
func (s *Store) PutGroup(ctx context.Context, g model.Group) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := putGroup(ctx, tx, g); err != nil {
		return err
	}
	return tx.Commit()
}

// ReplaceGroups makes groups the complete directory. Groups missing from the
// list are removed along with their memberships.
func (s *Store) ReplaceGroups(ctx context.Context, groups []model.Group) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM group_members`); err != nil {
		return fmt.Errorf("clear members: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM social_groups`); err != nil {
		return fmt.Errorf("clear groups: %w", err)
	}
	for _, g := range groups {
		if err := putGroup(ctx, tx, g); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func putGroup(ctx context.Context, tx *sql.Tx, g model.Group) error {
	if strings.TrimSpace(g.ID) == "" {
		return fmt.Errorf("group id is required")
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO social_groups (id, name, emoji, admin_user_id) VALUES (?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET name = excluded.name, emoji = excluded.emoji, admin_user_id = excluded.admin_user_id`,
		g.ID, g.Name, g.Emoji, g.AdminUserID,
	); err != nil {
		return fmt.Errorf("upsert group %s: %w", g.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = ?`, g.ID); err != nil {
		return fmt.Errorf("clear members: %w", err)
	}
	for _, m := range g.MemberIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO group_members (group_id, user_id) VALUES (?, ?)`, g.ID, m,
		); err != nil {
			return fmt.Errorf("insert member: %w", err)
		}
	}
	return nil
}

// GetGroup implements presence.GroupDirectory.
func (s *Store) GetGroup(ctx context.Context, groupID string) (model.Group, error) {
	g := model.Group{ID: groupID}
	err := s.db.QueryRowContext(ctx,
		`SELECT name, emoji, admin_user_id FROM social_groups WHERE id = ?`, groupID,
	).Scan(&g.Name, &g.Emoji, &g.AdminUserID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Group{}, fmt.Errorf("%w: %s", presence.ErrGroupNotFound, groupID)
	}
	if err != nil {
		return model.Group{}, fmt.Errorf("get group: %w", err)
	}

	g.MemberIDs, err = s.strings(ctx,
		`SELECT user_id FROM group_members WHERE group_id = ? ORDER BY user_id`, groupID)
	if err != nil {
		return model.Group{}, fmt.Errorf("get members: %w", err)
	}
	return g, nil
}

// GetGroupsForUser implements presence.GroupDirectory.
func (s *Store) GetGroupsForUser(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.strings(ctx,
		`SELECT group_id FROM group_members WHERE user_id = ? ORDER BY group_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("get groups for user: %w", err)
	}
	return ids, nil
}

// Publish updates the user's last known area. Transition ids are logged so
// replays of the same transition are ignored.
func (s *Store) Publish(ctx context.Context, ev model.TransitionEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO transitions (id, user_id, region_id, kind, occurred_at) VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.UserID, ev.RegionID, ev.Kind.String(), ev.OccurredAt.UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tx.Commit()
	}

	switch ev.Kind {
	case model.Enter:
		_, err = tx.ExecContext(ctx, `
INSERT INTO last_known_area (user_id, region_id, updated_at) VALUES (?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET region_id = excluded.region_id, updated_at = excluded.updated_at`,
			ev.UserID, ev.RegionID, ev.OccurredAt.UTC().UnixMilli())
	case model.Exit:
		_, err = tx.ExecContext(ctx, `
UPDATE last_known_area SET region_id = '', updated_at = ? WHERE user_id = ? AND region_id = ?`,
			ev.OccurredAt.UTC().UnixMilli(), ev.UserID, ev.RegionID)
	}
	if err != nil {
		return fmt.Errorf("update last known area: %w", err)
	}
	return tx.Commit()
}

// LastKnownArea returns the user's last known region.
func (s *Store) LastKnownArea(ctx context.Context, userID string) (model.Area, bool, error) {
	a := model.Area{UserID: userID}
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT region_id, updated_at FROM last_known_area WHERE user_id = ?`, userID,
	).Scan(&a.RegionID, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Area{}, false, nil
	}
	if err != nil {
		return model.Area{}, false, fmt.Errorf("get last known area: %w", err)
	}
	a.UpdatedAt = time.UnixMilli(ms).UTC()
	return a, true, nil
}

func (s *Store) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
