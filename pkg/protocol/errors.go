package protocol

// Error codes returned in Response.Error.Code by the gateway itself.
// Service-defined codes pass through verbatim.
const (
	ErrParse              = "PARSE_ERROR"
	ErrNoHandler          = "NO_HANDLER"
	ErrServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrTimeout            = "TIMEOUT"
	ErrRegisterFailed     = "REGISTER_FAILED"
	ErrShuttingDown       = "SHUTTING_DOWN"
	ErrCancelled          = "CANCELLED"
	ErrValidation         = "VALIDATION"
	ErrInternal           = "INTERNAL"
	ErrRateLimited        = "RATE_LIMITED"
)
