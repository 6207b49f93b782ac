// services/dispenser/internal/core/errors.go
package core

import (
	"errors"
	"fmt"
)

// Business errors.
var (
	// Lookup errors.
	ErrDeviceNotFound     = errors.New("device not found")
	ErrPatientNotFound    = errors.New("patient not found")
	ErrMedicationNotFound = errors.New("medication not found")
	ErrAlertNotFound      = errors.New("alert not found")
	ErrAssetNotFound      = errors.New("asset not found")

	// ErrNoDevice is returned when an artifact is requested for an owner
	// without a registered device, or a device without an owner.
	ErrNoDevice = errors.New("no device registered for owner")
)

// BusinessError represents a validation failure with a code.
type BusinessError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e BusinessError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Validation codes.
const (
	CodeInvalidCompartment = "VALIDATION_001"
	CodeInvalidWindow      = "VALIDATION_002"
	CodeOverlappingWindow  = "VALIDATION_003"
	CodeInvalidLog         = "VALIDATION_004"
	CodeInvalidCommand     = "VALIDATION_005"
	CodeInvalidInput       = "VALIDATION_006"
)

func validationError(code, format string, args ...interface{}) BusinessError {
	return BusinessError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// RenderError wraps a speech-rendering or transcode failure for one asset.
type RenderError struct {
	Key string
	Err error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s: %v", e.Key, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }
