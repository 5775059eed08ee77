package embedder

// PreparePostText builds the text that is embedded for a post. A known
// channel title is prefixed to give short posts some context.
func PreparePostText(text, channelTitle string) string {
	if channelTitle == "" {
		return text
	}
	return "[" + channelTitle + "] " + text
}

// TruncateText clips s to at most maxChars characters.
func TruncateText(s string, maxChars int) string {
	if maxChars <= 0 || len(s) <= maxChars {
		return s
	}
	n := 0
	for i := range s {
		if n == maxChars {
			return s[:i]
		}
		n++
	}
	return s
}
