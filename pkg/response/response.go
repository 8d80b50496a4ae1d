package response

import (
	"encoding/json"
	"net/http"
	"strings"
)

// Response is the envelope of every JSON reply. Code is a stable
// machine-readable form of the status for failed requests.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

func write(w http.ResponseWriter, statusCode int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

func JSON(w http.ResponseWriter, statusCode int, data any) {
	write(w, statusCode, Response{Success: statusCode < 400, Data: data})
}

func Success(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, data)
}

// Error writes a failure; the code is derived from the status text, so 409
// becomes "conflict".
func Error(w http.ResponseWriter, statusCode int, err string) {
	code := strings.ReplaceAll(strings.ToLower(http.StatusText(statusCode)), " ", "_")
	write(w, statusCode, Response{Error: err, Code: code})
}

func BadRequest(w http.ResponseWriter, err string) {
	Error(w, http.StatusBadRequest, err)
}

func Unauthorized(w http.ResponseWriter, err string) {
	Error(w, http.StatusUnauthorized, err)
}

func NotFound(w http.ResponseWriter, err string) {
	Error(w, http.StatusNotFound, err)
}

func Conflict(w http.ResponseWriter, err string) {
	Error(w, http.StatusConflict, err)
}

func InternalError(w http.ResponseWriter, err string) {
	Error(w, http.StatusInternalServerError, err)
}
