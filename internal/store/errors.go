package store

import "fmt"

// SchemaError reports a failed migration step. It is fatal: the store
// refuses to open rather than serve reads against a mismatched schema.
type SchemaError struct {
	From int
	To   int
	Err  error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema migration v%d -> v%d failed: %v", e.From, e.To, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// TransactionError reports a write that failed mid-transaction. The
// transaction was fully rolled back; the store observed a no-op.
type TransactionError struct {
	Op  string
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction %q failed: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }
