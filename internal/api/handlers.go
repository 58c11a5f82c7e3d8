package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/applicenseserver/licenseserver/internal/middleware"
	"github.com/applicenseserver/licenseserver/internal/store"
	"github.com/go-chi/chi/v5"
)

// maxBodyBytes caps request bodies for create and update calls.
const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		middleware.WriteJSONError(w, http.StatusInternalServerError, "encode_failed", "could not encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func decodeBody[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var v T
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&v); err != nil {
		middleware.WriteJSONError(w, http.StatusBadRequest, "invalid_body", "request body is not valid JSON: "+err.Error())
		return v, false
	}
	return v, true
}

// storeError maps repository errors onto responses.
func storeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		middleware.WriteJSONError(w, http.StatusNotFound, "not_found", "no entity with that key")
	case errors.Is(err, store.ErrConflict):
		middleware.WriteJSONError(w, http.StatusConflict, "conflict", "an entity with that id already exists")
	default:
		logger.Error("store operation failed", "error", err)
		middleware.WriteJSONError(w, http.StatusInternalServerError, "store_error", "storage backend failed")
	}
}

// crud builds the generic handlers for one entity kind.
type crud[T store.Entity[T]] struct {
	controller string
	repo       store.Repository[T]
	logger     *slog.Logger
}

func (c crud[T]) list(w http.ResponseWriter, r *http.Request) {
	items, err := c.repo.List(r.Context())
	if err != nil {
		storeError(w, c.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (c crud[T]) get(w http.ResponseWriter, r *http.Request) {
	v, err := c.repo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		storeError(w, c.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// create stores the decoded body. prepare, when set, fills defaults first.
func (c crud[T]) create(prepare func(*T)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, ok := decodeBody[T](w, r)
		if !ok {
			return
		}
		if prepare != nil {
			prepare(&v)
		}
		created, err := c.repo.Create(r.Context(), v)
		if err != nil {
			storeError(w, c.logger, err)
			return
		}
		c.logger.Info("entity created", "kind", created.Kind(), "id", created.Meta().ID)
		w.Header().Set("Location", "/api/"+c.controller+"/get/byid/"+created.Meta().ID)
		writeJSON(w, http.StatusCreated, created)
	}
}

func (c crud[T]) update(w http.ResponseWriter, r *http.Request) {
	v, ok := decodeBody[T](w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if bodyID := v.Meta().ID; bodyID != "" && !strings.EqualFold(bodyID, id) {
		middleware.WriteJSONError(w, http.StatusBadRequest, "id_mismatch", "body id does not match the id in the path")
		return
	}
	updated, err := c.repo.Update(r.Context(), id, v)
	if err != nil {
		storeError(w, c.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (c crud[T]) remove(w http.ResponseWriter, r *http.Request) {
	if err := c.repo.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		storeError(w, c.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// findAll returns every entity accepted by match for the request.
func (c crud[T]) findAll(match func(*http.Request, T) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := c.repo.Find(r.Context(), func(v T) bool { return match(r, v) })
		if err != nil {
			storeError(w, c.logger, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	}
}

// findOne returns the first entity accepted by match, or 404.
func (c crud[T]) findOne(match func(*http.Request, T) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := c.repo.Find(r.Context(), func(v T) bool { return match(r, v) })
		if err != nil {
			storeError(w, c.logger, err)
			return
		}
		if len(items) == 0 {
			storeError(w, c.logger, store.ErrNotFound)
			return
		}
		writeJSON(w, http.StatusOK, items[0])
	}
}

// removeWhere deletes every entity accepted by match; 404 when none did.
func (c crud[T]) removeWhere(match func(*http.Request, T) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := c.repo.Find(r.Context(), func(v T) bool { return match(r, v) })
		if err != nil {
			storeError(w, c.logger, err)
			return
		}
		if len(items) == 0 {
			storeError(w, c.logger, store.ErrNotFound)
			return
		}
		for _, v := range items {
			if err := c.repo.Delete(r.Context(), v.Meta().ID); err != nil && !errors.Is(err, store.ErrNotFound) {
				storeError(w, c.logger, err)
				return
			}
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// urlParamIs compares a URL parameter case-insensitively against value.
func urlParamIs(r *http.Request, name, value string) bool {
	return strings.EqualFold(chi.URLParam(r, name), value)
}
