package session

// Truncate drops the oldest messages until the summed content length is
// within budget or a single message is left. The budget counts characters,
// not model tokens, so it only approximates the model's context limit.
//
// Callers strip the system message before truncating so it is neither
// dropped nor counted.
func Truncate(c Conversation, budget int) Conversation {
	out := make(Conversation, len(c))
	copy(out, c)

	total := out.Len()
	for len(out) > 1 && total > budget {
		total -= Conversation{out[0]}.Len()
		out = out[1:]
	}
	return out
}
