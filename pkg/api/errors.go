package api

import "errors"

// Error taxonomy for the execution runtime. Storage and definition errors
// propagate to the stepper's caller; sandbox errors are caught, sanitized,
// and mapped onto the session's error kind without aborting the step.
var (
	ErrDefinitionNotFound  = errors.New("definition not found")
	ErrSessionExpired      = errors.New("session expired")
	ErrInvalidVariableName = errors.New("invalid variable name")
	ErrReservedVariable    = errors.New("variable name is reserved")
	ErrSandboxParse        = errors.New("script parse error")
	ErrSandboxRuntime      = errors.New("script execution error")
	ErrForbiddenCapability = errors.New("forbidden capability neutralized")
	ErrInvalidExitIndex    = errors.New("invalid exit index")
	ErrLoopGuardTripped    = errors.New("loop guard tripped")
	ErrSubWorkflowMissing  = errors.New("sub-workflow missing or inactive")
	ErrEmptyCallStack      = errors.New("call stack is empty")
	ErrInvalidScriptLang   = errors.New("unsupported script language")
	ErrSessionBusy         = errors.New("session is processing another step")
)
