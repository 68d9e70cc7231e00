package middleware

import (
	"bytes"
	"io"
	"net/http"

	"fieldsync/pkg/response"

	"github.com/golang/snappy"
)

// MaxBodySize caps request bodies, compressed or not.
const MaxBodySize = 32 << 20

// SnappyMiddleware decodes request bodies sent with
// "Content-Encoding: snappy".
func SnappyMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Content-Encoding") != "snappy" {
				r.Body = http.MaxBytesReader(w, r.Body, MaxBodySize)
				next.ServeHTTP(w, r)
				return
			}

			compressed, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodySize))
			if err != nil {
				response.Error(w, http.StatusRequestEntityTooLarge, "Request body too large")
				return
			}
			if n, err := snappy.DecodedLen(compressed); err != nil || n > MaxBodySize {
				response.BadRequest(w, "Invalid snappy body")
				return
			}
			body, err := snappy.Decode(nil, compressed)
			if err != nil {
				response.BadRequest(w, "Invalid snappy body")
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			r.ContentLength = int64(len(body))
			r.Header.Del("Content-Encoding")
			next.ServeHTTP(w, r)
		})
	}
}
