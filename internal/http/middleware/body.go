package middleware

import (
	"bytes"
	"io"
	"net/http"
)

const maxBodySize = 1 << 20

// readBody buffers the request body and restores it so downstream handlers
// can decode it again.
func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return nil, err
	}
	_ = r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
