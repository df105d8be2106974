package output

import (
	"encoding/json"
	"io"
)

// PrintJSON writes data as indented JSON, the default for -o json so
// operators can read listings without piping through a formatter.
func PrintJSON(w io.Writer, data any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// PrintJSONCompact writes data as single-line JSON for script consumers.
func PrintJSONCompact(w io.Writer, data any) error {
	return json.NewEncoder(w).Encode(data)
}
