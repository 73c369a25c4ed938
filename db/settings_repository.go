package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/zezo2030/loopmsq-sub000/entity"
)

// SettingsPostgresRepository stores every version of the runtime settings; the highest version is current.
type SettingsPostgresRepository struct {
	db *sqlx.DB
}

func NewSettingsPostgresRepository(db *sqlx.DB) *SettingsPostgresRepository {
	if db == nil {
		panic("db must be set")
	}

	return &SettingsPostgresRepository{db: db}
}

// Latest returns the current settings, or false when none were ever stored.
func (r *SettingsPostgresRepository) Latest(ctx context.Context) (entity.RuntimeSettings, bool, error) {
	var payload []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT payload FROM runtime_settings ORDER BY version DESC LIMIT 1
	`).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.RuntimeSettings{}, false, nil
	}
	if err != nil {
		return entity.RuntimeSettings{}, false, fmt.Errorf("could not get runtime settings: %w", err)
	}

	var settings entity.RuntimeSettings
	if err := json.Unmarshal(payload, &settings); err != nil {
		return entity.RuntimeSettings{}, false, fmt.Errorf("could not unmarshal runtime settings: %w", err)
	}
	return settings, true, nil
}

// Append stores settings as the next version. expectedVersion must be the current version,
// so two concurrent writers can't both win.
func (r *SettingsPostgresRepository) Append(
	ctx context.Context,
	settings entity.RuntimeSettings,
	expectedVersion int64,
) (entity.RuntimeSettings, error) {
	settings.Version = expectedVersion + 1

	payload, err := json.Marshal(settings)
	if err != nil {
		return entity.RuntimeSettings{}, fmt.Errorf("could not marshal runtime settings: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO runtime_settings (version, payload, updated_by, updated_at)
		VALUES ($1, $2, $3, $4)
	`, settings.Version, payload, settings.UpdatedBy, settings.UpdatedAt)
	if isErrorUniqueViolation(err) {
		return entity.RuntimeSettings{}, fmt.Errorf("settings version %d already exists: %w", settings.Version, entity.ErrConflict)
	}
	if err != nil {
		return entity.RuntimeSettings{}, fmt.Errorf("could not store runtime settings: %w", err)
	}

	return settings, nil
}
