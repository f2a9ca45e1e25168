package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/conveyor/internal/domain"
)

// SnapshotRepo — хранилище состояния приостановленных потоков:
// снапшоты стека и память выполнения. Реализует engine.StateStore.
//
// На поток существует не больше одного снапшота: каждая пауза затирает
// предыдущий и инкрементирует оптимистическую версию. Resume потребляет
// снапшот одним атомарным UPDATE — из двух конкурентных resume ровно
// один получает состояние, второй — ErrConflict.
type SnapshotRepo struct {
	pool *pgxpool.Pool
}

// NewSnapshotRepo создаёт новый SnapshotRepo.
func NewSnapshotRepo(pool *pgxpool.Pool) *SnapshotRepo {
	return &SnapshotRepo{pool: pool}
}

// SaveStack сохраняет снапшот стека выполнения.
// Версия инкрементируется в БД и проставляется обратно в snap.Version.
func (r *SnapshotRepo) SaveStack(ctx context.Context, snap *domain.Snapshot) error {
	framesJSON, err := json.Marshal(snap.Frames)
	if err != nil {
		return fmt.Errorf("marshal frames: %w", err)
	}

	query := `
		INSERT INTO snapshots (thread_execution_id, process_id, version_id,
		                       tenant_id, user_id, source, frames, version,
		                       active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1, true, $8)
		ON CONFLICT (thread_execution_id) DO UPDATE
		SET frames = EXCLUDED.frames,
		    version = snapshots.version + 1,
		    active = true,
		    created_at = EXCLUDED.created_at
		RETURNING version
	`
	err = r.pool.QueryRow(ctx, query,
		snap.ThreadExecutionID,
		snap.ProcessID,
		snap.VersionID,
		snap.Session.TenantID,
		nullUUIDValue(snap.Session.UserID),
		nullString(snap.Session.Source),
		framesJSON,
		snap.CreatedAt,
	).Scan(&snap.Version)
	if err != nil {
		return fmt.Errorf("save stack snapshot: %w", err)
	}
	return nil
}

// SaveMemory сохраняет память выполнения потока.
func (r *SnapshotRepo) SaveMemory(ctx context.Context, threadExecutionID uuid.UUID, mem *domain.Memory) error {
	memJSON, err := json.Marshal(mem)
	if err != nil {
		return fmt.Errorf("marshal memory: %w", err)
	}

	query := `
		INSERT INTO execution_memory (thread_execution_id, memory, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (thread_execution_id) DO UPDATE
		SET memory = EXCLUDED.memory, updated_at = NOW()
	`
	_, err = r.pool.Exec(ctx, query, threadExecutionID, memJSON)
	if err != nil {
		return fmt.Errorf("save memory: %w", err)
	}
	return nil
}

// LoadStack атомарно потребляет активный снапшот потока.
//
// Возвращает ErrConflict, если снапшот существует, но уже потреблён
// (конкурентный resume выиграл гонку), и ErrNotFound, если снапшота
// никогда не было.
func (r *SnapshotRepo) LoadStack(ctx context.Context, threadExecutionID uuid.UUID) (*domain.Snapshot, error) {
	query := `
		UPDATE snapshots
		SET active = false
		WHERE thread_execution_id = $1 AND active = true
		RETURNING process_id, version_id, tenant_id, user_id, source,
		          frames, version, created_at
	`
	snap := domain.Snapshot{ThreadExecutionID: threadExecutionID}
	var userID *uuid.UUID
	var source *string
	var framesJSON []byte

	err := r.pool.QueryRow(ctx, query, threadExecutionID).Scan(
		&snap.ProcessID,
		&snap.VersionID,
		&snap.Session.TenantID,
		&userID,
		&source,
		&framesJSON,
		&snap.Version,
		&snap.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.classifyMissing(ctx, threadExecutionID)
	}
	if err != nil {
		return nil, fmt.Errorf("consume stack snapshot: %w", err)
	}

	if userID != nil {
		snap.Session.UserID = *userID
	}
	if source != nil {
		snap.Session.Source = *source
	}
	if err := json.Unmarshal(framesJSON, &snap.Frames); err != nil {
		return nil, fmt.Errorf("unmarshal frames: %w", err)
	}

	return &snap, nil
}

// LoadMemory загружает память выполнения потока.
func (r *SnapshotRepo) LoadMemory(ctx context.Context, threadExecutionID uuid.UUID) (*domain.Memory, error) {
	var memJSON []byte
	err := r.pool.QueryRow(ctx, `
		SELECT memory FROM execution_memory WHERE thread_execution_id = $1
	`, threadExecutionID).Scan(&memJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load memory: %w", err)
	}

	var mem domain.Memory
	if err := json.Unmarshal(memJSON, &mem); err != nil {
		return nil, fmt.Errorf("unmarshal memory: %w", err)
	}
	return &mem, nil
}

// MarkInactive гасит снапшот потока. Идемпотентен: отсутствие снапшота
// не ошибка — поток мог завершиться ни разу не встав на паузу.
func (r *SnapshotRepo) MarkInactive(ctx context.Context, threadExecutionID uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE snapshots SET active = false WHERE thread_execution_id = $1
	`, threadExecutionID)
	if err != nil {
		return fmt.Errorf("mark snapshot inactive: %w", err)
	}
	return nil
}

// classifyMissing различает "снапшота нет" и "снапшот уже потреблён".
func (r *SnapshotRepo) classifyMissing(ctx context.Context, threadExecutionID uuid.UUID) error {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM snapshots WHERE thread_execution_id = $1)
	`, threadExecutionID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check snapshot existence: %w", err)
	}
	if exists {
		return ErrConflict
	}
	return ErrNotFound
}
