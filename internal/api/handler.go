package api

import (
	"log/slog"

	"github.com/shaiso/conveyor/internal/blobstore"
	"github.com/shaiso/conveyor/internal/mq"
	"github.com/shaiso/conveyor/internal/repo"
)

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	definitions *repo.DefinitionRepo
	executions  *repo.ExecutionRepo
	traces      *repo.TraceRepo
	schedules   *repo.ScheduleRepo
	archive     *blobstore.TraceArchive
	publisher   *mq.Publisher
	logger      *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Definitions *repo.DefinitionRepo
	Executions  *repo.ExecutionRepo
	Traces      *repo.TraceRepo
	Schedules   *repo.ScheduleRepo

	// Archive — хранилище заархивированных трейсов. Опционально:
	// без него трейсы, выгруженные из БД, становятся недоступны
	// через API.
	Archive *blobstore.TraceArchive

	Publisher *mq.Publisher
	Logger    *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	return &Handler{
		definitions: cfg.Definitions,
		executions:  cfg.Executions,
		traces:      cfg.Traces,
		schedules:   cfg.Schedules,
		archive:     cfg.Archive,
		publisher:   cfg.Publisher,
		logger:      cfg.Logger,
	}
}
