package tools

import "fmt"

// ErrToolUnavailable is returned when a call names a tool the registry
// does not hold. The dispatcher turns it into a tool-result message.
type ErrToolUnavailable struct {
	ToolName string
}

func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}

// ErrInvalidArguments reports call arguments that did not decode to a
// JSON object. Raw holds what the model actually sent.
type ErrInvalidArguments struct {
	ToolName string
	Raw      string
}

func (e *ErrInvalidArguments) Error() string {
	return fmt.Sprintf("invalid arguments for %s: expected a JSON object, got %q", e.ToolName, e.Raw)
}

// ErrCallRejected reports a gated call that will not run, either
// because it was rejected or because its approval was already spent.
type ErrCallRejected struct {
	ToolName  string
	DecidedBy string
	Comment   string
	Executed  bool
}

func (e *ErrCallRejected) Error() string {
	if e.Executed {
		return "Tool call already executed"
	}
	msg := "Tool call rejected"
	if e.DecidedBy != "" {
		msg += " by " + e.DecidedBy
	}
	if e.Comment != "" {
		msg += ": " + e.Comment
	}
	return msg
}
