package scan

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownScanType = errors.New("unknown scan type")
	ErrNoScanners      = errors.New("no scanner configured for scan type")
	ErrScanNotFound    = errors.New("scan not found")
)

// ScanToolError records the failure of a single scanner. Other scanners of the
// same run are not affected.
type ScanToolError struct {
	Scanner string
	Err     error
}

func (e *ScanToolError) Error() string {
	return fmt.Sprintf("scanner %s: %v", e.Scanner, e.Err)
}

func (e *ScanToolError) Unwrap() error {
	return e.Err
}

func NewScanToolError(scanner string, err error) *ScanToolError {
	return &ScanToolError{Scanner: scanner, Err: err}
}
