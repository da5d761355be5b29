package httpserver

const (
	ErrInvalidJSON      = "invalid json"
	ErrMissingID        = "missing id"
	ErrDependency       = "dependency error"
	ErrNotFound         = "not found"
	ErrUnauthorized     = "unauthorized"
	ErrMissingOrg       = "organization missing from token"
	ErrInvalidMode      = "invalid mode"
	ErrMissingMessage   = "missing message"
	ErrInvalidSignature = "invalid signature"
)
