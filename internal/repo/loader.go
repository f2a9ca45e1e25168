package repo

import (
	"context"

	"github.com/google/uuid"
	"github.com/shaiso/conveyor/internal/domain"
)

// Loader отдаёт иммутабельный граф по id версии.
// Реализует engine.DefinitionLoader поверх definition_versions.
type Loader struct {
	defs *DefinitionRepo
}

// NewLoader создаёт новый Loader.
func NewLoader(defs *DefinitionRepo) *Loader {
	return &Loader{defs: defs}
}

// Load возвращает граф версии.
func (l *Loader) Load(ctx context.Context, versionID uuid.UUID) (*domain.ThreadDefinition, error) {
	version, err := l.defs.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	return &version.Graph, nil
}
