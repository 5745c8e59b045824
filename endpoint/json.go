package endpoint

import (
	"bytes"
	"encoding/json"
	"net/http"
)

// JSONRenderer writes Value as a JSON body with Content-Type
// "application/json". A zero Status means 200.
//
// HTML characters are not escaped and the body carries no trailing newline.
// Encoding happens before the header is written: a value that cannot be
// encoded yields a 500 and the encoding error.
type JSONRenderer struct {
	Status int
	Value  any
	// Header holds extra response headers.
	Header http.Header
}

func (jr *JSONRenderer) Render(w http.ResponseWriter, _ *http.Request) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(jr.Value); err != nil {
		http.Error(w, "endpoint: unencodable response", http.StatusInternalServerError)
		return err
	}

	for k, vs := range jr.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Content-Type", "application/json")

	status := jr.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, err := w.Write(bytes.TrimSuffix(buf.Bytes(), []byte("\n")))
	return err
}
