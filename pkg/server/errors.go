package server

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	pqerrors "github.com/polyquery/polyquery/pkg/errors"
	"github.com/polyquery/polyquery/pkg/middleware/recovery"
)

// Codes for failures that happen before the router is involved.
const (
	codeInvalidRequest   = "InvalidRequest"
	codeUnauthenticated  = "Unauthenticated"
	codeNotFound         = "NotFound"
	codeMethodNotAllowed = "MethodNotAllowed"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError maps err to a status by its kind. Internal errors are logged
// with a stack and their message is not returned to the caller.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := pqerrors.KindOf(err)
	status := pqerrors.HTTPStatus(kind)
	body := errorBody{Code: string(kind), Message: err.Error()}

	if kind == pqerrors.KindInternal {
		s.logger.ErrorWithContext(r.Context(), "internal error",
			zap.String("path", r.URL.Path),
			zap.Error(pqerrors.ErrorWithStack(err)),
		)
		body.Message = recovery.InternalServerErrorMsg
	}

	s.writeJSON(w, r, status, body)
}

func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WarnWithContext(r.Context(), "failed to write response", zap.Error(err))
	}
}
