package toolprovider

import "fmt"

// ErrorKind classifies a launch or service failure. Kinds are stable strings
// so they can be logged and counted.
type ErrorKind string

const (
	KindNone ErrorKind = ""

	// Launch authentication failures. All are terminal for the request.
	KindInvalidLaunch           ErrorKind = "invalid_launch"
	KindUnknownConsumer         ErrorKind = "unknown_consumer"
	KindConsumerDisabled        ErrorKind = "consumer_disabled"
	KindConsumerNotYetAvailable ErrorKind = "consumer_not_yet_available"
	KindConsumerExpired         ErrorKind = "consumer_expired"
	KindUntrustedConsumer       ErrorKind = "untrusted_consumer"
	KindSignatureInvalid        ErrorKind = "signature_invalid"
	KindInvalidParameters       ErrorKind = "invalid_parameters"

	// Sharing arrangement failures.
	KindSharingRefused       ErrorKind = "sharing_refused"
	KindSharingPending       ErrorKind = "sharing_pending"
	KindSharingSelfReference ErrorKind = "sharing_self_reference"
	KindSharingUnresolvable  ErrorKind = "sharing_unresolvable"

	// Extension service failures.
	KindServiceUnavailable   ErrorKind = "service_unavailable"
	KindServiceRejected      ErrorKind = "service_rejected"
	KindUnsupportedValueType ErrorKind = "unsupported_value_type"

	KindStorage ErrorKind = "storage"
)

// Error carries a failure kind plus a detailed reason. The reason is only
// surfaced to the far end when the request opted into debug mode.
type Error struct {
	Kind   ErrorKind
	Reason string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Reason
}

func failf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// genericErrorMessage is shown to end users when debug mode is off.
const genericErrorMessage = "Sorry, there was an error connecting you to the application."
