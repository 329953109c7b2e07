package httpmw

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/capsium/reactor/internal/log"
	"github.com/capsium/reactor/internal/xerrors"
)

// Recover turns a handler panic into a plain 500 and logs it with a stack.
// onPanic runs after the log line. http.ErrAbortHandler is re-raised so
// net/http still aborts the connection.
func Recover(logger log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}

				var err error
				switch v := rec.(type) {
				case error:
					err = xerrors.Wrap(v, "panic")
				default:
					err = xerrors.Newf("panic: %s", fmt.Sprint(v))
				}

				logger.Error(r.Context(), err, "panic serving request",
					"method", r.Method,
					"host", r.Host,
					"path", r.URL.Path,
				)

				if onPanic != nil {
					onPanic()
				}
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()
			next.ServeHTTP(w, r)
		})
	}
}
