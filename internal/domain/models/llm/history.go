package llm

// OrderToolResults moves every tool message directly behind the assistant message
// that requested it. Tool messages whose call is not found keep their position.
func OrderToolResults(messages []Message) []Message {
	results := make(map[string]Message)
	for _, m := range messages {
		if m.Role == RoleTool && m.Tool != nil {
			results[m.Tool.ToolCallID] = m
		}
	}

	out := make([]Message, 0, len(messages))
	placed := make(map[string]bool)
	for _, m := range messages {
		if m.Role == RoleTool && m.Tool != nil {
			if placed[m.Tool.ToolCallID] {
				continue
			}
			// A result seen before its call waits for the call
			if hasCall(messages, m.Tool.ToolCallID) {
				continue
			}
			placed[m.Tool.ToolCallID] = true
			out = append(out, m)
			continue
		}
		out = append(out, m)
		if m.HasToolCalls() {
			for _, call := range m.Assistant.ToolCalls {
				if res, ok := results[call.ID]; ok && !placed[call.ID] {
					placed[call.ID] = true
					out = append(out, res)
				}
			}
		}
	}
	return out
}

func hasCall(messages []Message, callID string) bool {
	for _, m := range messages {
		if !m.HasToolCalls() {
			continue
		}
		for _, call := range m.Assistant.ToolCalls {
			if call.ID == callID {
				return true
			}
		}
	}
	return false
}

// LastExchangeSets keeps the newest n exchange sets of a chronological history.
// A set starts at a user message; anything before the first user message is
// attached to the oldest kept set only when all sets are kept.
func LastExchangeSets(messages []Message, n int) []Message {
	if n <= 0 {
		return nil
	}
	seen := 0
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			seen++
			if seen == n {
				return messages[i:]
			}
		}
	}
	return messages
}
