package session

// Window returns the last n turns of a transcript. A turn is a user
// message and the assistant messages that follow it; trimming at a turn
// boundary keeps the window from starting with an orphaned reply.
func Window(messages []Message, n int) []Message {
	if n <= 0 || len(messages) == 0 {
		return nil
	}

	turns := 0
	start := len(messages)
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			turns++
			start = i
			if turns == n {
				break
			}
		}
	}
	if turns == 0 {
		return nil
	}

	return messages[start:]
}
