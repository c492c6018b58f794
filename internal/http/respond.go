package httpx

import (
	"encoding/json"
	"net/http"
)

// writeJSON sets the content type, writes the status code, then streams the
// encoded payload. Once the header is out an encoding failure cannot be
// reported to the client, so it is dropped.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError emits the {"error": msg} envelope all non-2xx responses share.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
