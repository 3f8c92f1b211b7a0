package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/antonpaquin/citrine/internal/derrors"
)

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteError serializes an error in the daemon wire form with its declared
// status code.
func WriteError(w http.ResponseWriter, err error) error {
	return WriteJSON(w, derrors.StatusOf(err), derrors.Serialize(err))
}

// readJSONBody decodes an optional JSON object body. An empty body reads as
// an empty map; anything else must be a JSON object.
func readJSONBody(r *http.Request) (map[string]any, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, derrors.Wrap(derrors.InvalidInput, "failed to read request body", err)
	}
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, derrors.New(derrors.InvalidInput, "input should be a JSON object")
	}
	return body, nil
}

// decodeInto unmarshals a JSON body into a typed request struct
func decodeInto(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return derrors.New(derrors.Validation, "request was not json")
	}
	return nil
}
