package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"collab-sync-server/internal/domain"
	"collab-sync-server/internal/service"
	"collab-sync-server/pkg/response"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

type DatabaseHandler struct {
	service  *service.DocumentService
	validate *validator.Validate
	logger   zerolog.Logger
}

func NewDatabaseHandler(service *service.DocumentService, logger zerolog.Logger) *DatabaseHandler {
	return &DatabaseHandler{
		service:  service,
		validate: validator.New(),
		logger:   logger.With().Str("component", "database_handler").Logger(),
	}
}

// decode reads and validates a JSON body, writing the error response itself.
func (h *DatabaseHandler) decode(w http.ResponseWriter, r *http.Request, req interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		response.BadRequest(w, "Invalid request payload")
		return false
	}
	if err := h.validate.Struct(req); err != nil {
		response.BadRequest(w, err.Error())
		return false
	}
	return true
}

func (h *DatabaseHandler) fail(w http.ResponseWriter, err error) {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		response.BadRequest(w, verr.Error())
	case service.IsNotFound(err):
		response.NotFound(w, err.Error())
	case errors.Is(err, service.ErrDatabaseExists):
		response.Conflict(w, err.Error())
	default:
		h.logger.Error().Err(err).Msg("request failed")
		response.InternalError(w, "Internal server error")
	}
}

func (h *DatabaseHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateDatabaseRequest
	if !h.decode(w, r, &req) {
		return
	}

	created, err := h.service.CreateDatabase(r.Context(), req.ID)
	if err != nil {
		h.fail(w, err)
		return
	}

	response.Created(w, created)
}

func (h *DatabaseHandler) GetView(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	snapshot, err := h.service.View(r.Context(), vars["id"], vars["view_id"])
	if err != nil {
		h.fail(w, err)
		return
	}

	response.Success(w, snapshot)
}

func (h *DatabaseHandler) InsertFilter(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req domain.InsertFilterRequest
	if !h.decode(w, r, &req) {
		return
	}

	f, err := h.service.InsertFilter(r.Context(), vars["id"], vars["view_id"], &req)
	if err != nil {
		h.fail(w, err)
		return
	}

	response.Created(w, map[string]interface{}{"id": f.ID, "field_id": f.FieldID, "condition": f.Condition, "content": f.Content})
}

func (h *DatabaseHandler) UpdateFilter(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req domain.UpdateFilterRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.service.UpdateFilter(r.Context(), vars["id"], vars["view_id"], vars["filter_id"], &req); err != nil {
		h.fail(w, err)
		return
	}

	response.Success(w, map[string]string{"id": vars["filter_id"]})
}

func (h *DatabaseHandler) DeleteFilter(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.service.DeleteFilter(r.Context(), vars["id"], vars["view_id"], vars["filter_id"]); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DatabaseHandler) InsertSort(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req domain.InsertSortRequest
	if !h.decode(w, r, &req) {
		return
	}

	s, err := h.service.InsertSort(r.Context(), vars["id"], vars["view_id"], &req)
	if err != nil {
		h.fail(w, err)
		return
	}

	response.Created(w, map[string]string{"id": s.ID, "field_id": s.FieldID, "condition": req.Condition})
}

func (h *DatabaseHandler) DeleteSort(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.service.DeleteSort(r.Context(), vars["id"], vars["view_id"], vars["sort_id"]); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DatabaseHandler) InsertCalculation(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req domain.InsertCalculationRequest
	if !h.decode(w, r, &req) {
		return
	}

	c, err := h.service.InsertCalculation(r.Context(), vars["id"], vars["view_id"], &req)
	if err != nil {
		h.fail(w, err)
		return
	}

	response.Created(w, map[string]interface{}{"id": c.ID, "field_id": c.FieldID, "type": c.Type})
}

func (h *DatabaseHandler) DeleteCalculation(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.service.DeleteCalculation(r.Context(), vars["id"], vars["view_id"], vars["calculation_id"]); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DatabaseHandler) CreateRow(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateRowRequest
	if !h.decode(w, r, &req) {
		return
	}

	rowID, err := h.service.CreateRow(r.Context(), mux.Vars(r)["id"], &req)
	if err != nil {
		h.fail(w, err)
		return
	}

	response.Created(w, map[string]string{"id": rowID})
}

func (h *DatabaseHandler) DeleteRow(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.service.DeleteRow(r.Context(), vars["id"], vars["row_id"]); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DatabaseHandler) MoveRow(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req domain.MoveRowRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.service.MoveRow(r.Context(), vars["id"], vars["view_id"], vars["row_id"], &req); err != nil {
		h.fail(w, err)
		return
	}

	response.Success(w, map[string]string{"id": vars["row_id"]})
}

func (h *DatabaseHandler) UpdateCell(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req domain.UpdateCellRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.service.UpdateCell(r.Context(), vars["id"], vars["row_id"], vars["field_id"], &req); err != nil {
		h.fail(w, err)
		return
	}

	response.Success(w, map[string]string{"row_id": vars["row_id"], "field_id": vars["field_id"]})
}

func (h *DatabaseHandler) ClearCell(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.service.ClearCell(r.Context(), vars["id"], vars["row_id"], vars["field_id"]); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
