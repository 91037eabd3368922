package model

// ErrorCode is the business outcome of a gateway operation. These are
// returned in the response payload, never as transport errors.
type ErrorCode string

const (
	CodeOk                    ErrorCode = "Ok"
	CodeAccessLocked          ErrorCode = "AccessLocked"
	CodeAccessExpired         ErrorCode = "AccessExpired"
	CodeAccessTrafficOverflow ErrorCode = "AccessTrafficOverflow"
	CodeAccessError           ErrorCode = "AccessError"
	CodeSessionClosed         ErrorCode = "SessionClosed"
	CodeSessionSuppressedBy   ErrorCode = "SessionSuppressedBy"
	CodeRedirectHost          ErrorCode = "RedirectHost"
)

// SuppressType tags both sides of a suppression: the victim records who
// evicted it, the new session records whose slot it took.
type SuppressType string

const (
	SuppressNone     SuppressType = "None"
	SuppressYourSelf SuppressType = "YourSelf"
	SuppressOther    SuppressType = "Other"
)
