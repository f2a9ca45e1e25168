package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/shaiso/conveyor/internal/domain"
)

// countingLoader — источник, считающий обращения.
type countingLoader struct {
	def   *domain.ThreadDefinition
	err   error
	calls int
}

func (l *countingLoader) Load(ctx context.Context, versionID uuid.UUID) (*domain.ThreadDefinition, error) {
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return l.def, nil
}

func testGraph(name string) *domain.ThreadDefinition {
	return &domain.ThreadDefinition{
		Name: name,
		Elements: []domain.ElementDefinition{
			{ID: uuid.New(), Key: "start", Type: "trigger"},
		},
	}
}

func newTestCache(t *testing.T, inner *countingLoader, ttl time.Duration) (*DefinitionCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	c := New(Config{
		Client: client,
		Inner:  inner,
		TTL:    ttl,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return c, mr
}

func TestDefinitionCache_HitSkipsLoader(t *testing.T) {
	inner := &countingLoader{def: testGraph("orders")}
	c, _ := newTestCache(t, inner, 0)
	versionID := uuid.New()

	first, err := c.Load(context.Background(), versionID)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	second, err := c.Load(context.Background(), versionID)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}

	if inner.calls != 1 {
		t.Errorf("inner loader calls = %d, want 1", inner.calls)
	}
	if first.Name != "orders" || second.Name != "orders" {
		t.Errorf("graph names = %q, %q, want both %q", first.Name, second.Name, "orders")
	}
	if len(second.Elements) != 1 || second.Elements[0].Key != "start" {
		t.Errorf("cached graph lost elements: %+v", second.Elements)
	}
}

func TestDefinitionCache_ExpiryReloads(t *testing.T) {
	inner := &countingLoader{def: testGraph("orders")}
	c, mr := newTestCache(t, inner, time.Minute)
	versionID := uuid.New()

	if _, err := c.Load(context.Background(), versionID); err != nil {
		t.Fatalf("load: %v", err)
	}

	// Запись протухает — следующий Load идёт в источник.
	mr.FastForward(2 * time.Minute)

	if _, err := c.Load(context.Background(), versionID); err != nil {
		t.Fatalf("load after expiry: %v", err)
	}
	if inner.calls != 2 {
		t.Errorf("inner loader calls = %d, want 2", inner.calls)
	}
}

func TestDefinitionCache_DistinctVersions(t *testing.T) {
	inner := &countingLoader{def: testGraph("orders")}
	c, _ := newTestCache(t, inner, 0)

	if _, err := c.Load(context.Background(), uuid.New()); err != nil {
		t.Fatalf("load v1: %v", err)
	}
	if _, err := c.Load(context.Background(), uuid.New()); err != nil {
		t.Fatalf("load v2: %v", err)
	}

	if inner.calls != 2 {
		t.Errorf("inner loader calls = %d, want 2", inner.calls)
	}
}

func TestDefinitionCache_LoaderErrorPropagates(t *testing.T) {
	wantErr := errors.New("version gone")
	inner := &countingLoader{err: wantErr}
	c, mr := newTestCache(t, inner, 0)
	versionID := uuid.New()

	_, err := c.Load(context.Background(), versionID)
	if !errors.Is(err, wantErr) {
		t.Fatalf("Load error = %v, want %v", err, wantErr)
	}

	// Ошибка источника не должна оставлять записей в кеше.
	if mr.Exists(keyPrefix + versionID.String()) {
		t.Error("failed load left a cache entry behind")
	}
}

func TestDefinitionCache_CorruptEntryFallsBack(t *testing.T) {
	inner := &countingLoader{def: testGraph("orders")}
	c, mr := newTestCache(t, inner, 0)
	versionID := uuid.New()

	// Битый JSON в кеше — Load обязан сходить в источник
	// и перезаписать запись.
	if err := mr.Set(keyPrefix+versionID.String(), "{broken"); err != nil {
		t.Fatalf("seed corrupt entry: %v", err)
	}

	def, err := c.Load(context.Background(), versionID)
	if err != nil {
		t.Fatalf("load with corrupt cache: %v", err)
	}
	if def.Name != "orders" {
		t.Errorf("graph name = %q, want %q", def.Name, "orders")
	}
	if inner.calls != 1 {
		t.Errorf("inner loader calls = %d, want 1", inner.calls)
	}

	// Запись перезаписана валидным графом.
	if _, err := c.Load(context.Background(), versionID); err != nil {
		t.Fatalf("load after repair: %v", err)
	}
	if inner.calls != 1 {
		t.Errorf("inner loader calls after repair = %d, want 1", inner.calls)
	}
}
