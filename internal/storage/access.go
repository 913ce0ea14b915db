package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var ErrAlreadyExists = errors.New("already exists")

// GetAccessRecord looks up the permission record for an email. Emails are
// compared lower-cased; at most one record exists per email.
func (s *Store) GetAccessRecord(ctx context.Context, email string) (AccessRecord, error) {
	q := accessColumns(s.sql).Where(sq.Eq{"email": strings.ToLower(email)})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return AccessRecord{}, fmt.Errorf("build get access record query: %w", err)
	}
	rec, err := scanAccessRecord(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AccessRecord{}, ErrNotFound
		}
		return AccessRecord{}, fmt.Errorf("get access record: %w", err)
	}
	return rec, nil
}

func (s *Store) ListAccessRecords(ctx context.Context) ([]AccessRecord, error) {
	q := accessColumns(s.sql).OrderBy("created_at DESC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list access records query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list access records: %w", err)
	}
	defer rows.Close()

	out := make([]AccessRecord, 0)
	for rows.Next() {
		rec, err := scanAccessRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan access record row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate access record rows: %w", err)
	}
	return out, nil
}

func (s *Store) CreateAccessRecord(ctx context.Context, email string, allowedModels []string, isAdmin bool) (AccessRecord, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := s.GetAccessRecord(ctx, email); err == nil {
		return AccessRecord{}, ErrAlreadyExists
	} else if !errors.Is(err, ErrNotFound) {
		return AccessRecord{}, err
	}

	if allowedModels == nil {
		allowedModels = []string{}
	}
	modelsJSON, err := json.Marshal(allowedModels)
	if err != nil {
		return AccessRecord{}, fmt.Errorf("marshal allowed models: %w", err)
	}

	now := time.Now().UTC()
	rec := AccessRecord{
		ID:            uuid.NewString(),
		Email:         email,
		AllowedModels: allowedModels,
		IsActive:      true,
		IsAdmin:       isAdmin,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	q := s.sql.Insert("user_permissions").
		Columns("id", "email", "allowed_models_json", "is_active", "is_admin", "created_at", "updated_at").
		Values(rec.ID, rec.Email, string(modelsJSON), rec.IsActive, rec.IsAdmin, rec.CreatedAt, rec.UpdatedAt)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return AccessRecord{}, fmt.Errorf("build create access record query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return AccessRecord{}, fmt.Errorf("create access record: %w", err)
	}
	return rec, nil
}

func (s *Store) UpdateAccessRecord(ctx context.Context, id string, allowedModels []string, isAdmin, isActive bool) error {
	if allowedModels == nil {
		allowedModels = []string{}
	}
	modelsJSON, err := json.Marshal(allowedModels)
	if err != nil {
		return fmt.Errorf("marshal allowed models: %w", err)
	}

	q := s.sql.Update("user_permissions").
		Set("allowed_models_json", string(modelsJSON)).
		Set("is_admin", isAdmin).
		Set("is_active", isActive).
		Set("updated_at", time.Now().UTC()).
		Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build update access record query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("update access record: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func accessColumns(b sq.StatementBuilderType) sq.SelectBuilder {
	return b.Select("id", "email", "allowed_models_json", "is_active", "is_admin", "created_at", "updated_at").
		From("user_permissions")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccessRecord(row rowScanner) (AccessRecord, error) {
	var rec AccessRecord
	var modelsJSON string
	if err := row.Scan(&rec.ID, &rec.Email, &modelsJSON, &rec.IsActive, &rec.IsAdmin, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return AccessRecord{}, err
	}
	if err := json.Unmarshal([]byte(modelsJSON), &rec.AllowedModels); err != nil {
		rec.AllowedModels = []string{}
	}
	return rec, nil
}
