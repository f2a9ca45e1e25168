package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/engine"
	"github.com/shaiso/conveyor/internal/repo"
)

// resolveDefinition находит definition по path-параметру: UUID или
// стабильный key. CLI работает ключами, не заставляя пользователя
// таскать UUID.
func (h *Handler) resolveDefinition(w http.ResponseWriter, r *http.Request) *domain.Definition {
	ref := r.PathValue("id")

	var (
		def *domain.Definition
		err error
	)
	if id, parseErr := uuid.Parse(ref); parseErr == nil {
		def, err = h.definitions.GetByID(r.Context(), id)
	} else {
		def, err = h.definitions.GetByKey(r.Context(), ref)
	}
	if HandleRepoError(w, h.logger, err, "definition not found") {
		return nil
	}
	return def
}

// ListDefinitions возвращает список всех definitions.
// GET /api/v1/definitions
func (h *Handler) ListDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := h.definitions.List(r.Context())
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]DefinitionResponse, len(defs))
	for i, d := range defs {
		result[i] = DefinitionFromDomain(d)
	}

	List(w, result, len(result))
}

// CreateDefinition создаёт новый definition. Создаётся неактивным:
// активация идёт отдельным шагом после публикации первой версии.
// POST /api/v1/definitions
func (h *Handler) CreateDefinition(w http.ResponseWriter, r *http.Request) {
	var req CreateDefinitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	if req.Key == "" {
		BadRequest(w, "key is required")
		return
	}
	if req.Name == "" {
		req.Name = req.Key
	}

	def := &domain.Definition{
		ID:        uuid.New(),
		Key:       req.Key,
		Name:      req.Name,
		IsActive:  false,
		CreatedAt: time.Now(),
	}

	if err := h.definitions.Create(r.Context(), def); err != nil {
		if errors.Is(err, repo.ErrAlreadyExists) {
			Conflict(w, err.Error())
			return
		}
		InternalError(w, h.logger, err)
		return
	}

	Created(w, DefinitionFromDomain(*def))
}

// GetDefinition возвращает definition по ID или key.
// GET /api/v1/definitions/{id}
func (h *Handler) GetDefinition(w http.ResponseWriter, r *http.Request) {
	def := h.resolveDefinition(w, r)
	if def == nil {
		return
	}

	Success(w, DefinitionFromDomain(*def))
}

// ActivateDefinition активирует definition. Требует хотя бы одну
// опубликованную версию: активный definition без графа запускать нечего.
// POST /api/v1/definitions/{id}/activate
func (h *Handler) ActivateDefinition(w http.ResponseWriter, r *http.Request) {
	def := h.resolveDefinition(w, r)
	if def == nil {
		return
	}

	if _, err := h.definitions.GetLatestVersion(r.Context(), def.ID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			InvalidState(w, "definition has no published versions")
			return
		}
		InternalError(w, h.logger, err)
		return
	}

	err := h.definitions.SetActive(r.Context(), def.ID, true)
	if HandleRepoError(w, h.logger, err, "definition not found") {
		return
	}

	def.IsActive = true
	Success(w, DefinitionFromDomain(*def))
}

// DeactivateDefinition деактивирует definition. Новые выполнения
// и расписания перестают запускаться; уже идущие дорабатывают.
// POST /api/v1/definitions/{id}/deactivate
func (h *Handler) DeactivateDefinition(w http.ResponseWriter, r *http.Request) {
	def := h.resolveDefinition(w, r)
	if def == nil {
		return
	}

	err := h.definitions.SetActive(r.Context(), def.ID, false)
	if HandleRepoError(w, h.logger, err, "definition not found") {
		return
	}

	def.IsActive = false
	Success(w, DefinitionFromDomain(*def))
}

// DeleteDefinition удаляет definition.
// DELETE /api/v1/definitions/{id}
func (h *Handler) DeleteDefinition(w http.ResponseWriter, r *http.Request) {
	def := h.resolveDefinition(w, r)
	if def == nil {
		return
	}

	err := h.definitions.Delete(r.Context(), def.ID)
	if HandleRepoError(w, h.logger, err, "definition not found") {
		return
	}

	NoContent(w)
}

// ListVersions возвращает список версий definition.
// GET /api/v1/definitions/{id}/versions
func (h *Handler) ListVersions(w http.ResponseWriter, r *http.Request) {
	def := h.resolveDefinition(w, r)
	if def == nil {
		return
	}

	versions, err := h.definitions.ListVersions(r.Context(), def.ID)
	if HandleRepoError(w, h.logger, err, "") {
		return
	}

	result := make([]VersionResponse, len(versions))
	for i, v := range versions {
		result[i] = VersionFromDomain(v)
	}

	List(w, result, len(result))
}

// PushVersion публикует новую иммутабельную версию графа.
// Граф проверяется структурно до записи: пустые ключи, дубликаты,
// отсутствие триггера и висячие связи отклоняются сразу.
// POST /api/v1/definitions/{id}/versions
func (h *Handler) PushVersion(w http.ResponseWriter, r *http.Request) {
	def := h.resolveDefinition(w, r)
	if def == nil {
		return
	}

	var req PushVersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	if _, err := engine.BuildGraph(&req.Graph); err != nil {
		BadRequest(w, "invalid graph: "+err.Error())
		return
	}

	version, err := h.definitions.CreateVersion(r.Context(), def.ID, req.Graph)
	if err != nil {
		InternalError(w, h.logger, err)
		return
	}

	Created(w, VersionFromDomain(*version))
}

// GetVersionByNumber возвращает конкретную версию definition.
// Вместо номера принимает "latest".
// GET /api/v1/definitions/{id}/versions/{version}
func (h *Handler) GetVersionByNumber(w http.ResponseWriter, r *http.Request) {
	def := h.resolveDefinition(w, r)
	if def == nil {
		return
	}

	var (
		version *domain.DefinitionVersion
		err     error
	)
	if ref := r.PathValue("version"); ref == "latest" {
		version, err = h.definitions.GetLatestVersion(r.Context(), def.ID)
	} else {
		num, parseErr := strconv.Atoi(ref)
		if parseErr != nil {
			BadRequest(w, "invalid version number")
			return
		}
		version, err = h.definitions.GetVersionByNumber(r.Context(), def.ID, num)
	}
	if HandleRepoError(w, h.logger, err, "definition version not found") {
		return
	}

	Success(w, VersionFromDomain(*version))
}
