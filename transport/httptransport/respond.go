package httptransport

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/c0deZ3R0/go-mailbox-kit/wire"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error" cbor:"error"`
}

// StoreResponse is the body of a successful POST /blobs/store.
type StoreResponse struct {
	Status string `json:"status" cbor:"status"`
	Stored int    `json:"stored" cbor:"stored"`
}

// responseCodec picks the codec for the response from the Accept header,
// falling back to the request's codec.
func responseCodec(r *http.Request, fallback wire.Codec) wire.Codec {
	for _, part := range strings.Split(r.Header.Get("Accept"), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if part == "*/*" {
			return fallback
		}
		if codec, err := wire.CodecFor(part); err == nil {
			return codec
		}
	}
	return fallback
}

// respond encodes payload with codec, gzipping it when the client accepts
// gzip and the body is large enough.
func respond(w http.ResponseWriter, r *http.Request, code int, payload any, codec wire.Codec, options *ServerOptions) {
	body, err := codec.Marshal(payload)
	if err != nil {
		options.Logger.ErrorContext(r.Context(), "failed to encode response", slog.String("error", err.Error()))
		respondWithError(w, r, http.StatusInternalServerError, "failed to encode response", options)
		return
	}

	w.Header().Set("Content-Type", codec.ContentType())
	w.Header().Add("Vary", "Accept-Encoding")

	if options.CompressionEnabled &&
		int64(len(body)) >= options.CompressionThreshold &&
		strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		if compressed, err := gzipBytes(body); err == nil {
			w.Header().Set("Content-Encoding", "gzip")
			body = compressed
		}
	}

	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// respondWithError responds to an HTTP request with an error message
func respondWithError(w http.ResponseWriter, r *http.Request, code int, message string, options *ServerOptions) {
	respond(w, r, code, ErrorResponse{Error: message}, wire.JSON, options)
}

// respondWithMappedError responds with the status matching a request body error
func respondWithMappedError(w http.ResponseWriter, r *http.Request, err error, options *ServerOptions) {
	respondWithError(w, r, mapErrorToHTTPStatus(err), err.Error(), options)
}
