package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/conveyor/internal/domain"
)

// DefinitionRepo — репозиторий для работы с definitions и definition_versions.
type DefinitionRepo struct {
	pool *pgxpool.Pool
}

// NewDefinitionRepo создаёт новый DefinitionRepo.
func NewDefinitionRepo(pool *pgxpool.Pool) *DefinitionRepo {
	return &DefinitionRepo{pool: pool}
}

// --- Definition CRUD ---

// Create создаёт новый definition. Возвращает ErrAlreadyExists,
// если key уже занят.
func (r *DefinitionRepo) Create(ctx context.Context, def *domain.Definition) error {
	query := `
		INSERT INTO definitions (id, key, name, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.pool.Exec(ctx, query,
		def.ID,
		def.Key,
		def.Name,
		def.IsActive,
		def.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrUniqueViolation {
			return fmt.Errorf("%w: definition key %q", ErrAlreadyExists, def.Key)
		}
		return fmt.Errorf("insert definition: %w", err)
	}
	return nil
}

// GetByID возвращает definition по ID.
func (r *DefinitionRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Definition, error) {
	query := `
		SELECT id, key, name, is_active, created_at
		FROM definitions
		WHERE id = $1
	`
	var def domain.Definition
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&def.ID,
		&def.Key,
		&def.Name,
		&def.IsActive,
		&def.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get definition by id: %w", err)
	}
	return &def, nil
}

// GetByKey возвращает definition по стабильному ключу.
func (r *DefinitionRepo) GetByKey(ctx context.Context, key string) (*domain.Definition, error) {
	query := `
		SELECT id, key, name, is_active, created_at
		FROM definitions
		WHERE key = $1
	`
	var def domain.Definition
	err := r.pool.QueryRow(ctx, query, key).Scan(
		&def.ID,
		&def.Key,
		&def.Name,
		&def.IsActive,
		&def.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get definition by key: %w", err)
	}
	return &def, nil
}

// List возвращает список всех definitions.
func (r *DefinitionRepo) List(ctx context.Context) ([]domain.Definition, error) {
	query := `
		SELECT id, key, name, is_active, created_at
		FROM definitions
		ORDER BY created_at DESC
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defer rows.Close()

	var defs []domain.Definition
	for rows.Next() {
		var def domain.Definition
		if err := rows.Scan(
			&def.ID,
			&def.Key,
			&def.Name,
			&def.IsActive,
			&def.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan definition: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// SetActive включает/выключает definition. Неактивные definitions
// не запускаются по расписанию и не принимают новые выполнения.
func (r *DefinitionRepo) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE definitions SET is_active = $2 WHERE id = $1
	`, id, active)
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete удаляет definition (каскадно удалит versions, executions, schedules).
func (r *DefinitionRepo) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM definitions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete definition: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- DefinitionVersion ---

// CreateVersion создаёт новую иммутабельную версию графа.
// Порядковый номер версии инкрементируется автоматически.
func (r *DefinitionRepo) CreateVersion(ctx context.Context, definitionID uuid.UUID, graph domain.ThreadDefinition) (*domain.DefinitionVersion, error) {
	graphJSON, err := json.Marshal(graph)
	if err != nil {
		return nil, fmt.Errorf("marshal graph: %w", err)
	}

	var nextVersion int
	err = r.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0) + 1
		FROM definition_versions
		WHERE definition_id = $1
	`, definitionID).Scan(&nextVersion)
	if err != nil {
		return nil, fmt.Errorf("get next version: %w", err)
	}

	version := domain.DefinitionVersion{
		ID:           uuid.New(),
		DefinitionID: definitionID,
		Version:      nextVersion,
		Graph:        graph,
	}
	err = r.pool.QueryRow(ctx, `
		INSERT INTO definition_versions (id, definition_id, version, graph, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING created_at
	`, version.ID, version.DefinitionID, version.Version, graphJSON).Scan(&version.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert definition version: %w", err)
	}

	return &version, nil
}

// GetVersion возвращает версию по её ID. Именно этим путём resume
// регидрирует граф, закреплённый за выполнением.
func (r *DefinitionRepo) GetVersion(ctx context.Context, versionID uuid.UUID) (*domain.DefinitionVersion, error) {
	query := `
		SELECT id, definition_id, version, graph, created_at
		FROM definition_versions
		WHERE id = $1
	`
	return r.scanVersion(r.pool.QueryRow(ctx, query, versionID))
}

// GetVersionByNumber возвращает версию definition по порядковому номеру.
func (r *DefinitionRepo) GetVersionByNumber(ctx context.Context, definitionID uuid.UUID, version int) (*domain.DefinitionVersion, error) {
	query := `
		SELECT id, definition_id, version, graph, created_at
		FROM definition_versions
		WHERE definition_id = $1 AND version = $2
	`
	return r.scanVersion(r.pool.QueryRow(ctx, query, definitionID, version))
}

// GetLatestVersion возвращает последнюю версию definition.
func (r *DefinitionRepo) GetLatestVersion(ctx context.Context, definitionID uuid.UUID) (*domain.DefinitionVersion, error) {
	query := `
		SELECT id, definition_id, version, graph, created_at
		FROM definition_versions
		WHERE definition_id = $1
		ORDER BY version DESC
		LIMIT 1
	`
	return r.scanVersion(r.pool.QueryRow(ctx, query, definitionID))
}

// ListVersions возвращает все версии definition.
func (r *DefinitionRepo) ListVersions(ctx context.Context, definitionID uuid.UUID) ([]domain.DefinitionVersion, error) {
	query := `
		SELECT id, definition_id, version, graph, created_at
		FROM definition_versions
		WHERE definition_id = $1
		ORDER BY version DESC
	`
	rows, err := r.pool.Query(ctx, query, definitionID)
	if err != nil {
		return nil, fmt.Errorf("list definition versions: %w", err)
	}
	defer rows.Close()

	var versions []domain.DefinitionVersion
	for rows.Next() {
		var dv domain.DefinitionVersion
		var graphJSON []byte
		if err := rows.Scan(
			&dv.ID,
			&dv.DefinitionID,
			&dv.Version,
			&graphJSON,
			&dv.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan definition version: %w", err)
		}

		if err := json.Unmarshal(graphJSON, &dv.Graph); err != nil {
			return nil, fmt.Errorf("unmarshal graph: %w", err)
		}

		versions = append(versions, dv)
	}
	return versions, rows.Err()
}

func (r *DefinitionRepo) scanVersion(row pgx.Row) (*domain.DefinitionVersion, error) {
	var dv domain.DefinitionVersion
	var graphJSON []byte
	err := row.Scan(
		&dv.ID,
		&dv.DefinitionID,
		&dv.Version,
		&graphJSON,
		&dv.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get definition version: %w", err)
	}

	if err := json.Unmarshal(graphJSON, &dv.Graph); err != nil {
		return nil, fmt.Errorf("unmarshal graph: %w", err)
	}

	return &dv, nil
}
