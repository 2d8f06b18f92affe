package health

import "net/http"

// Handler answers every request with 200, an empty body and
// Content-Type text/plain, whatever the method or path.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
	})
}
