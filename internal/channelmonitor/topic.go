package channelmonitor

import "strings"

// topicOrder and topicKeywords form a small keyword-count scorer (one
// point per matched keyword, no weights) used to tag a post with a
// post_topic before it reaches the Strategy Oracle. It is intentionally
// not backed by a third-party NLP library: the tag set is closed and tiny,
// and a hand-rolled scorer stays legible and dependency-free for a task
// this narrow (see DESIGN.md).
var topicOrder = []string{"health", "parenting", "business", "study", "lifestyle"}

var topicKeywords = map[string][]string{
	"health":    {"health", "detox", "fitness", "workout", "diet", "sleep", "gym", "wellness"},
	"parenting": {"kids", "baby", "parenting", "mom", "mother", "school", "toddler", "family"},
	"business":  {"business", "startup", "revenue", "marketing", "sales", "investor", "growth"},
	"study":     {"exam", "study", "university", "lecture", "homework", "student", "course"},
	"lifestyle": {"travel", "fashion", "recipe", "home", "decor", "style"},
}

const defaultTopic = "general"

// ClassifyTopic scores text against each topic's keyword list and returns
// the highest-scoring tag, or defaultTopic when nothing matches. Ties break
// on topicOrder, keeping the result deterministic across calls.
func ClassifyTopic(text string) string {
	lower := strings.ToLower(text)

	best := defaultTopic
	bestScore := 0

	for _, topic := range topicOrder {
		score := 0
		for _, kw := range topicKeywords[topic] {
			if strings.Contains(lower, kw) {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			best = topic
		}
	}

	return best
}
