package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/aibtcdev/x402-sponsor-relay-sub001/log"
)

// httpWriteJSON writes a JSON response.
func httpWriteJSON(w http.ResponseWriter, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		ErrMarshalingJSONFailed.Write(w, "", 0)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		log.Warnw("failed to write response", "error", err)
	}
}

// httpWriteRaw writes pre-marshaled JSON bytes, used for dedup-replayable
// bodies that must stay byte-identical.
func httpWriteRaw(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		log.Warnw("failed to write response", "error", err)
	}
}

// decodeBody unmarshals a JSON request body into out, enforcing the size
// cap. Returns false after writing the malformed-body error itself.
func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
	if err != nil {
		ErrMalformedBody.Write(w, "could not read request body", 0)
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		ErrMalformedBody.Write(w, err.Error(), 0)
		return false
	}
	return true
}
