package vault

import "fmt"

// IntegrityError indicates tampered ciphertext, a wrong decryption key or a
// checksum mismatch. Callers must treat it as fatal for the credential.
type IntegrityError struct {
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("credential integrity check failed: %s", e.Reason)
}

// FormatError indicates a malformed or unsupported envelope.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("malformed credential envelope: %s", e.Reason)
}

// KeyError indicates an unusable master key or salt at construction time.
type KeyError struct {
	Reason string
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("invalid vault key material: %s", e.Reason)
}

// IsIntegrityError checks if an error is an IntegrityError.
func IsIntegrityError(err error) bool {
	_, ok := err.(*IntegrityError)
	return ok
}

// IsFormatError checks if an error is a FormatError.
func IsFormatError(err error) bool {
	_, ok := err.(*FormatError)
	return ok
}
