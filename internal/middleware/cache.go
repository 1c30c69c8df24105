package middleware

import "net/http"

// NoStore keeps scored sessions and CSV exports out of every cache. Each
// response is computed for the bearer identity, so it also varies on the
// Authorization header.
func NoStore(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Cache-Control", "private, no-store, max-age=0")
		h.Set("Pragma", "no-cache")
		h.Add("Vary", "Authorization")
		next.ServeHTTP(w, r)
	})
}
