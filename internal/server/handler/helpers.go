package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

// writeJSON marshals v as JSON and writes it with status. A marshal failure
// becomes a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// queryAsset returns the lower-cased asset query parameter, or def.
func queryAsset(r *http.Request, def string) string {
	if a := strings.TrimSpace(r.URL.Query().Get("asset")); a != "" {
		return strings.ToLower(a)
	}
	return def
}

// queryInt parses a positive integer parameter, clamped to max.
func queryInt(r *http.Request, name string, def, max int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || n <= 0 {
		return def
	}
	return min(n, max)
}
