package cli

import (
	"encoding/json"
	"fmt"
	"io"
)

// printResult writes v either as indented JSON or through the text renderer,
// depending on the selected format.
func printResult(w io.Writer, format string, v any, text func(io.Writer)) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

// printError writes a command error in the selected format.
func printError(w io.Writer, format string, err error) {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]string{"error": err.Error()})
		return
	}
	fmt.Fprintf(w, "error: %v\n", err)
}
