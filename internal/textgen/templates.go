package textgen

// fallbackTemplates produce deterministic copy once the external
// generator has failed every attempt Reliable allows (one call plus
// cfg.TextGen.MaxRetries retries). Comments have no entry: a templated
// comment would read as obviously canned, so the dispatcher drops the
// action instead (see Reliable.Generate).
var fallbackTemplates = map[Kind]string{
	KindPost:          "Sharing a quick update today. Stay tuned for more.",
	KindInviteTeaser:  "Come check out our community, link in the next message.",
	KindDirectMessage: "Hey! Just wanted to reach out and say hi.",
}

func fallbackFor(kind Kind, limit int) (string, bool) {
	text, ok := fallbackTemplates[kind]
	if !ok {
		return "", false
	}
	return truncate(text, limit), true
}

func truncate(text string, limit int) string {
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
