package handlers

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// respondJSON writes v as a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, map[string]string{"error": message})
}

// wantsCSV reports whether the client asked for CSV output.
func wantsCSV(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/csv")
}

// respondCSV writes a header row followed by records.
func respondCSV(w http.ResponseWriter, header []string, records [][]string) {
	w.Header().Set("Content-Type", "text/csv")
	w.WriteHeader(http.StatusOK)
	cw := csv.NewWriter(w)
	_ = cw.Write(header)
	_ = cw.WriteAll(records)
	cw.Flush()
}

// csvTime renders an optional timestamp for CSV cells.
func csvTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

// csvFloat renders an optional float for CSV cells.
func csvFloat(f *float64) string {
	if f == nil {
		return ""
	}
	return fmt.Sprintf("%g", *f)
}

// parseBoolParam parses an optional true/false query parameter. Any other
// value means no filter.
func parseBoolParam(r *http.Request, name string) *bool {
	raw := strings.ToLower(r.URL.Query().Get(name))
	switch raw {
	case "true":
		b := true
		return &b
	case "false":
		b := false
		return &b
	}
	return nil
}
