package domain

// ErrorKind is the delivery failure taxonomy.
type ErrorKind string

const (
	KindAuth       ErrorKind = "AuthError"
	KindPermission ErrorKind = "PermissionError"
	KindValidation ErrorKind = "ValidationError"
	KindRateLimit  ErrorKind = "RateLimit"
	KindTransient  ErrorKind = "TransientApiError"
	KindNetwork    ErrorKind = "NetworkError"
	KindUnknown    ErrorKind = "Unknown"
)

// ErrorClassification is produced once per downstream failure and carried as
// data from then on.
type ErrorClassification struct {
	Kind      ErrorKind `json:"kind"`
	Retryable bool      `json:"retryable"`
	Message   string    `json:"message"`
	Code      int       `json:"code,omitempty"`
	Subcode   int       `json:"subcode,omitempty"`
}

// RequiresOperator reports whether the failure needs a human to fix
// credentials or payload before any retry can succeed.
func (c ErrorClassification) RequiresOperator() bool {
	switch c.Kind {
	case KindAuth, KindPermission, KindValidation:
		return true
	default:
		return false
	}
}
