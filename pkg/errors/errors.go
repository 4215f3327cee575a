// Package errors provides standardized error types and error handling
// utilities for the FlowForge orchestration core. It defines common error
// categories, error codes, and helper functions for creating, wrapping, and
// inspecting errors across the flow subsystems.
//
// # Error Categories
//
// The package defines several error categories that map to common failure
// scenarios in flow orchestration:
//
//   - Validation errors: Invalid input, malformed keys, out-of-range values
//   - NotFound errors: Flow absent or outside the caller's tenant scope
//   - InvalidState errors: Operation forbidden from the current flow state
//   - ReadinessNotMet errors: Stage transition gated on unmet requirements
//   - Conflict errors: Duplicate in-flight or completed idempotent operation
//   - Internal errors: Unexpected system failures
//   - Unavailable errors: Storage or collaborator temporarily unavailable
//   - Timeout errors: Operation exceeded time limit
//
// A flow that does not exist and a flow that exists under another tenant's
// scope both surface as NotFound. This is deliberate: callers must not be
// able to probe for the existence of other tenants' flows.
//
// # Error Codes
//
// Each error includes a machine-readable code (e.g., "STATE_001") that can
// be used for error tracking, alerting, and client-side error handling.
// Error codes follow the pattern: CATEGORY_XXX where CATEGORY is a short
// identifier and XXX is a numeric code.
//
// # Usage
//
// Create a new error with context:
//
//	err := errors.New(errors.CodeInvalidState, "flow is not paused")
//
// Wrap an existing error:
//
//	err := errors.Wrap(err, errors.CodeInternalDatabase, "failed to load flow")
//
// Check error category:
//
//	if errors.IsNotFound(err) {
//	    // handle not found
//	}
//
// Extract structured context for logging or API responses:
//
//	if e, ok := errors.AsError(err); ok {
//	    logger.Error("operation failed",
//	        "code", e.Code,
//	        "message", e.Message,
//	        "details", e.Details,
//	    )
//	}
package errors
