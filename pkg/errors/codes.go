package errors

// Code represents a machine-readable error code for categorizing errors.
// Error codes follow the pattern CATEGORY_XXX where CATEGORY is a short
// identifier (e.g., STATE, READY, INT) and XXX is a three-digit numeric code.
//
// Error codes are designed to be:
//   - Stable: Codes do not change once assigned
//   - Unique: Each error condition has a distinct code
//   - Searchable: Codes can be used to find documentation and solutions
//   - Machine-readable: Suitable for automated error handling
type Code string

// Error code categories and their ranges:
//
//	VAL_xxx     - Validation errors (400 Bad Request)
//	NF_xxx      - Not found errors (404 Not Found)
//	STATE_xxx   - Invalid state errors (409 Conflict)
//	CONF_xxx    - Conflict errors (409 Conflict)
//	READY_xxx   - Readiness gate errors (422 Unprocessable Entity)
//	INT_xxx     - Internal errors (500 Internal Server Error)
//	UNAVAIL_xxx - Service unavailable (503 Service Unavailable)
//	TIMEOUT_xxx - Timeout errors (504 Gateway Timeout)
const (
	// Validation errors (VAL_xxx) - HTTP 400
	// Used when request input fails validation rules.

	// CodeValidation indicates a general validation failure.
	CodeValidation Code = "VAL_001"

	// CodeValidationRequired indicates a required field is missing.
	CodeValidationRequired Code = "VAL_002"

	// CodeValidationFormat indicates a field has an invalid format,
	// such as a malformed idempotency key.
	CodeValidationFormat Code = "VAL_003"

	// CodeValidationRange indicates a value is outside its acceptable range.
	CodeValidationRange Code = "VAL_004"

	// Not found errors (NF_xxx) - HTTP 404
	// Used when a requested resource does not exist or is outside the
	// caller's tenant scope. The two cases are deliberately
	// indistinguishable.

	// CodeNotFound indicates a general not found error.
	CodeNotFound Code = "NF_001"

	// CodeNotFoundFlow indicates the requested flow was not found within
	// the caller's tenant scope.
	CodeNotFoundFlow Code = "NF_002"

	// Invalid state errors (STATE_xxx) - HTTP 409
	// Used when an operation is forbidden from the flow's current state.

	// CodeInvalidState indicates a general invalid-state failure, such as
	// resuming a flow that is not paused.
	CodeInvalidState Code = "STATE_001"

	// CodeInvalidStatePhaseOrder indicates an out-of-order phase update:
	// the named phase is not the flow's current phase.
	CodeInvalidStatePhaseOrder Code = "STATE_002"

	// CodeInvalidStateActive indicates a destructive operation was refused
	// because the flow is still active and force was not set.
	CodeInvalidStateActive Code = "STATE_003"

	// Conflict errors (CONF_xxx) - HTTP 409
	// Used when an operation conflicts with existing state.

	// CodeConflict indicates a general conflict error.
	CodeConflict Code = "CONF_001"

	// CodeConflictDuplicateOperation indicates an idempotent operation was
	// rejected because an identical operation is in progress or already
	// completed.
	CodeConflictDuplicateOperation Code = "CONF_002"

	// Readiness errors (READY_xxx) - HTTP 422
	// Used when a stage-crossing transition is gated on unmet requirements.

	// CodeReadinessNotMet indicates the upstream flow's output does not
	// satisfy the readiness thresholds for transition. The Details map
	// carries the ordered missing_requirements list.
	CodeReadinessNotMet Code = "READY_001"

	// Internal errors (INT_xxx) - HTTP 500
	// Used for unexpected internal failures.

	// CodeInternal indicates a general internal error.
	CodeInternal Code = "INT_001"

	// CodeInternalDatabase indicates a database operation failed.
	CodeInternalDatabase Code = "INT_002"

	// CodeInternalConfiguration indicates a configuration error.
	CodeInternalConfiguration Code = "INT_003"

	// Unavailable errors (UNAVAIL_xxx) - HTTP 503
	// Used when a storage backend or collaborator is temporarily unavailable.

	// CodeUnavailable indicates a general service unavailable error.
	CodeUnavailable Code = "UNAVAIL_001"

	// CodeUnavailableDependency indicates a dependent service is unavailable.
	CodeUnavailableDependency Code = "UNAVAIL_002"

	// Timeout errors (TIMEOUT_xxx) - HTTP 504
	// Used when an operation exceeds its time limit.

	// CodeTimeout indicates a general timeout error.
	CodeTimeout Code = "TIMEOUT_001"

	// CodeTimeoutDatabase indicates a database operation timed out.
	CodeTimeoutDatabase Code = "TIMEOUT_002"
)

// String returns the string representation of the error code.
func (c Code) String() string {
	return string(c)
}

// Category returns the category prefix of the error code (e.g., "VAL", "STATE").
func (c Code) Category() string {
	s := string(c)
	for i, r := range s {
		if r == '_' {
			return s[:i]
		}
	}
	return s
}
