// Package respond writes API responses in the gateway's error envelope.
// Errors are always {"detail": ...} where detail is a string or a
// structured object (quota payloads).
package respond

import (
	"encoding/json"
	"net/http"
)

// JSON writes v as a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Detail writes the error envelope with a string or object detail.
func Detail(w http.ResponseWriter, status int, detail any) {
	JSON(w, status, map[string]any{"detail": detail})
}
