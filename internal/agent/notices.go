package agent

import (
	"fmt"

	"github.com/nugget/turnloop/internal/guardrails"
)

// Text the loop injects into a run. Assistant-role notices are what a
// reader of the final transcript sees when a run stops early.
const (
	limitNotice = "The tool-call limit of %d has been reached. Do not request any more tools. " +
		"Answer now using the information already gathered."
	limitNoticeStructured = "The tool-call limit of %d has been reached. Do not request any more tools. " +
		"Call %s now with your final answer."
	structuredOutputNudge = "You have not delivered the final answer yet. Call the %s tool now " +
		"with arguments matching its parameters schema."
	skippedForLimit = "Tool call skipped: the tool-call limit was reached."
	limitStop       = "I stopped because the tool-call limit of %d was reached and the model kept requesting tools. " +
		"The work above is incomplete."
	iterationStop = "I stopped after %d iterations without reaching a final answer. The work above is incomplete."
)

func blockedNotice(phase guardrails.Phase, inc guardrails.Incident) string {
	if phase == guardrails.PhaseRequest {
		return fmt.Sprintf("I can't help with this request. It was blocked by the %q guardrail: %s", inc.Rule, inc.Reason)
	}
	return fmt.Sprintf("The response was withheld by the %q guardrail: %s", inc.Rule, inc.Reason)
}
