package detect

import "strings"

// False positive softening. Messages that read as classroom questions,
// game roleplay or developer shop talk trip the same patterns as real
// attacks; when the surrounding vocabulary makes the benign reading far
// more likely we keep the threat on record but lower severity and
// confidence so the action map lands on log or allow instead of block.

type fpFilter struct {
	name string
	// vocab terms that indicate the benign context. Two or more hits
	// engage the filter.
	vocab []string
	// floor is the severity the result is reduced to.
	floor Severity
	// factor scales the confidence down.
	factor float64
	// exempt categories are never softened by this filter.
	exempt map[string]bool
}

var fpFilters = []fpFilter{
	{
		name: "educational",
		vocab: []string{
			"what is", "how does", "explain", "difference between",
			"for my class", "homework", "studying", "course", "lecture",
			"textbook", "learn about", "definition of", "example of",
		},
		floor:  SeverityLow,
		factor: 0.3,
	},
	{
		name: "gaming_roleplay",
		vocab: []string{
			"dungeon", "quest", "npc", "character sheet", "dice",
			"campaign", "my character", "in the game", "game master",
			"roleplay", "fantasy", "wizard", "d&d",
		},
		floor:  SeverityLow,
		factor: 0.4,
	},
	{
		name: "development",
		vocab: []string{
			"unit test", "test case", "regex", "sanitize", "escape",
			"sql query", "code review", "pull request", "debugging",
			"function", "variable", "payload example", "documentation",
		},
		floor:  SeverityLow,
		factor: 0.5,
		// Secret extraction stays at full severity even in dev chatter.
		exempt: map[string]bool{"secret_extraction": true},
	},
}

// softenFalsePositives reduces severity and confidence in place when the
// message vocabulary indicates a benign context. Critical results with an
// exempt category are left untouched.
func softenFalsePositives(res *Result, message string) {
	if res.Severity <= SeveritySafe || len(res.Threats) == 0 {
		return
	}
	lower := strings.ToLower(message)

	for _, f := range fpFilters {
		hits := 0
		for _, term := range f.vocab {
			if strings.Contains(lower, term) {
				hits++
			}
		}
		if hits < 2 {
			continue
		}
		if f.exempt != nil && hasExemptThreat(res.Threats, f.exempt) {
			continue
		}

		if res.Severity > f.floor {
			res.Severity = f.floor
		}
		res.Confidence *= f.factor
		if res.Confidence < 0.05 {
			res.Severity = SeveritySafe
		}
		res.ContextFactors = append(res.ContextFactors, "fp_filter_"+f.name)
	}
}

func hasExemptThreat(threats []Threat, exempt map[string]bool) bool {
	for _, t := range threats {
		if exempt[t.Category] {
			return true
		}
	}
	return false
}
