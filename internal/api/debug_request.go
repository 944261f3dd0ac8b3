package api

import (
	"bytes"
	"io"
	"net/http"
)

// maxRequestBody caps the size of a search request.
const maxRequestBody = 1 << 20

// captureBody reads and returns the body while allowing it to be read
// again.
func captureBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
