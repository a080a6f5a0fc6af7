package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// fallbackErrorBody is served when marshaling a response fails, so the
// client always receives valid JSON.
var fallbackErrorBody = []byte(`{"status":"error","message":"Internal server error"}`)

// writeJSONResponse marshals the response before touching the writer so an
// encoding failure can still change the status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response any) {
	data, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal response", "error", err)
		data = fallbackErrorBody
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, err := w.Write(data); err != nil {
		slog.Error("Server.writeJSONResponse: failed to write response", "error", err)
	}
}
