package conversation

// windowRetainingPairs keeps the newest window messages from msgs (already
// in sequence order) without splitting a tool exchange.
//
// A tool_result message always directly follows the assistant message whose
// tool_use blocks it answers, so the only way a cut can split an exchange is
// a tool_result message landing at the window head. In that case the
// preceding assistant message is retained too, growing the window by one.
func windowRetainingPairs(msgs []*Message, window int) []*Message {
	if window <= 0 || len(msgs) <= window {
		return msgs
	}

	trimmed := msgs[len(msgs)-window:]
	if trimmed[0].HasToolResult() {
		return msgs[len(msgs)-window-1:]
	}
	return trimmed
}
