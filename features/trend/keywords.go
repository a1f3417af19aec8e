package trend

import (
	"sort"
	"strings"
)

// keywordQueries holds hand-tuned tsquery expressions for ambiguous
// technology names. Anything else goes through SanitizeTSQuery.
var keywordQueries = map[string]string{
	"go":         "golang | (go <-> lang) | (go <2> (programming | language | goroutine | channel | concurrency))",
	"rust":       "rust & (programming | language | cargo | rustc | crate) & !corrosion & !metal",
	"c":          "((c <-> programming) | (c <-> language) | (c <-> code)) & !vitamin & !temperature",
	"r":          "(r <-> (language | programming | statistical | ggplot | dplyr | cran))",
	"scala":      "scala & (programming | language | jvm | akka) & !opera",
	"dart":       "dart & (flutter | programming | language | google) & !game & !arrow",
	"python":     "python",
	"javascript": "javascript | js",
	"typescript": "typescript",
	"kotlin":     "kotlin",
	"swift":      "swift & (programming | ios | apple | language)",
	"java":       "java & programming",
	"ruby":       "ruby & (programming | rails | gem)",
	"php":        "php",
	"haskell":    "haskell",
	"elixir":     "elixir & (programming | erlang | phoenix)",
	"clojure":    "clojure",
	"julia":      "julia & (programming | language | scientific)",
	"react":      "react & (javascript | component | jsx | hook)",
	"vue":        "vue & (javascript | vuejs | framework)",
	"angular":    "angular & (javascript | typescript | framework)",
	"django":     "django",
	"flask":      "flask & python",
	"rails":      "rails & ruby",
	"spring":     "spring & java",
	"spark":      "spark & (apache | hadoop | data | scala)",
	"beam":       "beam & (apache | dataflow | pipeline)",
}

// SanitizeTSQuery turns free text into a tsquery: quotes are dropped and
// multiple words must all match.
func SanitizeTSQuery(s string) string {
	s = strings.ReplaceAll(s, "'", " ")
	return strings.Join(strings.Fields(s), " & ")
}

// QueryFor returns the tsquery for a keyword, preferring the predefined one.
func QueryFor(keyword string) string {
	kw := strings.ToLower(strings.TrimSpace(keyword))
	if q, ok := keywordQueries[kw]; ok {
		return q
	}
	return SanitizeTSQuery(kw)
}

// Keywords lists the predefined keywords in alphabetical order.
func Keywords() []string {
	out := make([]string, 0, len(keywordQueries))
	for k := range keywordQueries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// SplitKeywords parses a comma separated keyword list, dropping blanks.
func SplitKeywords(raw string) []string {
	var out []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}
