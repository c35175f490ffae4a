package dag

import (
	"encoding/json"
	"fmt"
	"io"
)

// LoadJSON decodes a JSON-encoded DAG from the reader and validates it.
//
// Example:
//
//	f, _ := os.Open("dag.json")
//	d, err := dag.LoadJSON(f)
func LoadJSON(r io.Reader) (*ExecutionDAG, error) {
	if r == nil {
		return nil, fmt.Errorf("dag: reader cannot be nil")
	}

	var d ExecutionDAG
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&d); err != nil {
		return nil, fmt.Errorf("dag: failed to decode JSON: %w", err)
	}
	if d.executionCallbacks == nil {
		d.executionCallbacks = map[ExecutionUuid]*ExecutionCallbacks{}
	}
	if d.fileCallbacks == nil {
		d.fileCallbacks = map[FileUuid]*FileCallbacks{}
	}

	if err := CheckDAG(&d); err != nil {
		return nil, fmt.Errorf("dag: decoded DAG is invalid: %w", err)
	}

	return &d, nil
}

// WriteJSON encodes the DAG to the writer in JSON format, validating it
// first so only a schedulable DAG is ever persisted.
func WriteJSON(w io.Writer, d *ExecutionDAG) error {
	if w == nil {
		return fmt.Errorf("dag: writer cannot be nil")
	}
	if d == nil {
		return fmt.Errorf("dag: DAG cannot be nil")
	}

	if err := CheckDAG(d); err != nil {
		return fmt.Errorf("dag: cannot serialize invalid DAG: %w", err)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(d); err != nil {
		return fmt.Errorf("dag: failed to encode JSON: %w", err)
	}

	return nil
}
