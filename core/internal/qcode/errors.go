package qcode

import "fmt"

// UnsupportedError marks a query construct that has no pipeline translation.
// Parsing is all-or-nothing: the first unsupported construct fails the whole
// query before any compilation begins.
type UnsupportedError struct {
	Construct string
	Reason    string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("unsupported query construct %s: %s", e.Construct, e.Reason)
}

func unsupported(construct, format string, args ...any) error {
	return &UnsupportedError{Construct: construct, Reason: fmt.Sprintf(format, args...)}
}

// Unsupported builds an UnsupportedError for callers outside the parser.
func Unsupported(construct, format string, args ...any) error {
	return unsupported(construct, format, args...)
}
