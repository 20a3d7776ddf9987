package recovery

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	pqerrors "github.com/polyquery/polyquery/pkg/errors"
	"github.com/polyquery/polyquery/pkg/logger"
)

// InternalServerErrorMsg is the message returned for any recovered panic.
const InternalServerErrorMsg = "Internal Server Error"

// HTTPPanicRecoveryHandler recover from panic for http services.
func HTTPPanicRecoveryHandler(next http.Handler, l logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				l.ErrorWithContext(r.Context(), "HTTPPanicRecoveryHandler has recovered a panic",
					zap.Error(fmt.Errorf("%v", err)),
					zap.ByteString("stacktrace", debug.Stack()),
				)
				w.Header().Set("content-type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)

				responseBody, err := json.Marshal(map[string]string{
					"code":    string(pqerrors.KindInternal),
					"message": InternalServerErrorMsg,
				})
				if err != nil {
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					return
				}

				_, _ = w.Write(responseBody)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
