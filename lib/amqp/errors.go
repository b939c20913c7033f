package amqp

import "fmt"

// ErrorCondition is a symbolic AMQP error condition.
type ErrorCondition string

// Session and link error conditions used by the session layer
// (AMQP 1.0 sections 2.8.15 and 2.8.16).
const (
	ErrCondInternalError         ErrorCondition = "amqp:internal-error"
	ErrCondNotAllowed            ErrorCondition = "amqp:not-allowed"
	ErrCondResourceLimitExceeded ErrorCondition = "amqp:resource-limit-exceeded"

	ErrCondSessionWindowViolation  ErrorCondition = "amqp:session:window-violation"
	ErrCondSessionHandleInUse      ErrorCondition = "amqp:session:handle-in-use"
	ErrCondSessionUnattachedHandle ErrorCondition = "amqp:session:unattached-handle"

	ErrCondLinkDetachForced ErrorCondition = "amqp:link:detach-forced"
)

// Error is a structured AMQP error as carried in End and Detach frames.
type Error struct {
	Condition   ErrorCondition
	Description string
	Info        map[string]interface{}
}

func (e *Error) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("amqp error: %s", e.Condition)
	}
	return fmt.Sprintf("amqp error: %s: %s", e.Condition, e.Description)
}
