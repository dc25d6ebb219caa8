package domain

import (
	"fmt"
	"strings"
)

// Result statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Synthetic error keys used when a send never reached the transport.
const (
	ErrKeyInvalidRecipient = "Invalid recipient data"
	ErrKeyMissingMeta      = "Missing meta for recipient"
	ErrKeyInternalSend     = "INTERNAL_SEND_ERROR"
	ErrKeySkipped          = "PROCESSING_ERROR_OR_SKIPPED"
)

// maxErrorKeyLen bounds transport-derived error keys so they stay usable as
// stats counter names.
const maxErrorKeyLen = 255

// Result is the outcome of a single send attempt.
type Result struct {
	Status    string `json:"status"`
	Recipient string `json:"recipient"`
	Response  any    `json:"response,omitempty"`
	Error     string `json:"error,omitempty"`
}

// SuccessResult builds a success result with the transport response attached.
func SuccessResult(recipient string, response any) Result {
	return Result{Status: StatusSuccess, Recipient: recipient, Response: response}
}

// ErrorResult builds an error result.
func ErrorResult(recipient, errKey string) Result {
	return Result{Status: StatusError, Recipient: recipient, Error: errKey}
}

// ErrorResultWithResponse builds an error result carrying a descriptive
// response payload alongside the stable error key.
func ErrorResultWithResponse(recipient, errKey string, response any) Result {
	return Result{Status: StatusError, Recipient: recipient, Error: errKey, Response: response}
}

// ErrorKey builds the colon-delimited "<code>:<sanitized-message>" key used
// as a stats counter name, truncated to 255 characters.
func ErrorKey(code, message string) string {
	key := code + ":" + SanitizeErrorMessage(message)
	if len(key) > maxErrorKeyLen {
		key = key[:maxErrorKeyLen]
	}
	return key
}

// errKeyStrip lists the punctuation removed from error messages. Whitespace
// is replaced with underscores separately.
const errKeyStrip = `.:;,*+?^${}()|[]\`

// SanitizeErrorMessage normalizes a transport error message into a form safe
// for use inside a counter name: whitespace becomes "_", regex-style
// punctuation is stripped.
func SanitizeErrorMessage(message string) string {
	var b strings.Builder
	b.Grow(len(message))
	for _, r := range message {
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			b.WriteByte('_')
		case strings.ContainsRune(errKeyStrip, r):
			// dropped
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// InvalidRecipientPlaceholder is the synthetic recipient echoed when the
// input at the given index was unusable.
func InvalidRecipientPlaceholder(index int) string {
	return fmt.Sprintf("invalid_recipient_at_index_%d", index)
}

// UnparseableSubscriptionPlaceholder is the synthetic recipient echoed when a
// web-push subscription string could not be parsed.
func UnparseableSubscriptionPlaceholder(index int) string {
	return fmt.Sprintf("unparseable_sub_at_index_%d", index)
}
