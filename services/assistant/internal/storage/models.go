package storage

// Result is a bounded, fully rendered query result.
type Result struct {
	Columns   []string
	Rows      [][]string
	Truncated bool
}
