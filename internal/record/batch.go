package record

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// ReadBatchFile reads a JSONL batch file: one envelope per line.
//
// Batch files are how out-of-band channels (backups, spool directories,
// test fixtures) hand the store a set of records to merge. Envelopes are
// validated as they are read; an invalid line fails the whole batch so a
// half-parsed file is never merged.
func ReadBatchFile(path string) ([]*Envelope, error) {
	// #nosec G304 - controlled path from daemon/CLI
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open batch file: %w", err)
	}
	defer file.Close()

	var envelopes []*Envelope
	decoder := json.NewDecoder(file)
	lineNum := 0

	for {
		var env Envelope
		if err := decoder.Decode(&env); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("invalid JSON at entry %d: %w", lineNum+1, err)
		}
		lineNum++

		if err := env.Validate(); err != nil {
			return nil, fmt.Errorf("invalid envelope at entry %d: %w", lineNum, err)
		}

		envelopes = append(envelopes, &env)
	}

	return envelopes, nil
}

// WriteBatchFile writes envelopes as a JSONL batch file.
func WriteBatchFile(path string, envelopes []*Envelope) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create batch file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	for i, env := range envelopes {
		if err := env.Validate(); err != nil {
			return fmt.Errorf("cannot write invalid envelope at entry %d: %w", i+1, err)
		}
		if err := encoder.Encode(env); err != nil {
			return fmt.Errorf("failed to encode envelope %s: %w", env.ID, err)
		}
	}

	return nil
}
