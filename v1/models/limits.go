package models

import "fmt"

// Upper bounds on caller-supplied text. Every audit payload is built from these
// fields plus enum values, so the bounds keep a payload well under the ledger cap.
const (
	MaxIdentifierLength = 128
	MaxPurposeLength    = 2048
	MaxNoteLength       = 1024
	MaxActionLength     = 64
)

// CheckLength fails with ErrValidation when value is longer than limit bytes
func CheckLength(field, value string, limit int) error {
	if len(value) > limit {
		return fmt.Errorf("%w: %s exceeds %d bytes", ErrValidation, field, limit)
	}
	return nil
}
