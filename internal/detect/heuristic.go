package detect

import (
	"context"
	"encoding/base64"
	"regexp"
	"strings"
	"unicode"
)

// Heuristic trigger thresholds. Each score is normalized to [0,1] before
// comparison.
const (
	repetitionThreshold = 0.6
	capsThreshold       = 0.7
	homoglyphThreshold  = 0.5
	encodingThreshold   = 0.6
)

var (
	base64RunPattern  = regexp.MustCompile(`[A-Za-z0-9+/]{24,}={0,2}`)
	urlEncodedPattern = regexp.MustCompile(`%[0-9A-Fa-f]{2}`)
	htmlEntityPattern = regexp.MustCompile(`&#?\w{2,8};`)
)

// heuristicStrategy scores a message on repetition, capitalization,
// homoglyph substitution, and encoded-payload density.
type heuristicStrategy struct{}

func newHeuristicStrategy() *heuristicStrategy { return &heuristicStrategy{} }

func (*heuristicStrategy) name() string { return "heuristic" }

func (*heuristicStrategy) analyze(_ context.Context, message string) ([]Threat, error) {
	var threats []Threat
	add := func(category string, score float64) {
		threats = append(threats, Threat{
			Category:   category,
			Match:      truncateMatch(message),
			Confidence: score,
		})
	}

	if score := repetitionScore(message); score > repetitionThreshold {
		add("repetition_flood", score)
	}
	if score := capsScore(message); score > capsThreshold {
		add("caps_pressure", score)
	}
	if score := homoglyphScore(message); score > homoglyphThreshold {
		add("homoglyph_substitution", score)
	}

	encScore, decoded := encodingScore(message)
	if encScore > encodingThreshold {
		add("encoded_payload", encScore)
	}
	// Decoded base64 plaintext goes back through the regex table so an
	// encoded "ignore previous instructions" is caught at full severity.
	for _, plain := range decoded {
		threats = append(threats, scanPatterns(plain)...)
	}

	// Heuristic severity derives from aggregate confidence and threat count.
	maxConf := 0.0
	heuristicCount := 0
	for i := range threats {
		if threats[i].Confidence > maxConf {
			maxConf = threats[i].Confidence
		}
		if threats[i].Severity == SeveritySafe {
			heuristicCount++
		}
	}
	sev := heuristicSeverity(maxConf, heuristicCount)
	for i := range threats {
		if threats[i].Severity == SeveritySafe {
			threats[i].Severity = sev
		}
	}
	return threats, nil
}

// heuristicSeverity maps aggregate confidence and threat count to severity.
func heuristicSeverity(confidence float64, count int) Severity {
	switch {
	case confidence > 0.8 || count >= 3:
		return SeverityHigh
	case confidence > 0.6 || count >= 2:
		return SeverityMedium
	case confidence > 0.3 || count >= 1:
		return SeverityLow
	default:
		return SeveritySafe
	}
}

// repetitionScore is the fraction of word occurrences beyond each word's
// first, i.e. how much of the message is repeats.
func repetitionScore(message string) float64 {
	words := strings.Fields(strings.ToLower(message))
	if len(words) < 6 {
		return 0
	}
	seen := make(map[string]bool, len(words))
	repeats := 0
	for _, w := range words {
		if seen[w] {
			repeats++
		}
		seen[w] = true
	}
	return float64(repeats) / float64(len(words))
}

// capsScore is the uppercase-letter ratio plus a capped exclamation bonus.
func capsScore(message string) float64 {
	letters, upper := 0, 0
	exclamations := 0
	for _, r := range message {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
		if r == '!' {
			exclamations++
		}
	}
	if letters < 12 {
		return 0
	}
	score := float64(upper) / float64(letters)
	bonus := float64(exclamations) / 5
	if bonus > 0.3 {
		bonus = 0.3
	}
	return score + bonus
}

// homoglyphScore counts Cyrillic, Greek, and fullwidth look-alike runes
// normalized by total letter count. Messages that are mostly one of those
// scripts legitimately score high and are then softened by the
// false-positive filters when appropriate.
func homoglyphScore(message string) float64 {
	letters, lookalikes := 0, 0
	for _, r := range message {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		switch {
		case unicode.Is(unicode.Cyrillic, r), unicode.Is(unicode.Greek, r):
			lookalikes++
		case r >= 0xFF01 && r <= 0xFF5E: // fullwidth ASCII block
			lookalikes++
		}
	}
	if letters == 0 {
		return 0
	}
	score := float64(lookalikes) / float64(letters)
	// Pure-script messages are ordinary non-English text, not smuggling.
	if score > 0.9 {
		return 0
	}
	return score
}

// encodingScore detects encoded payloads: long base64 runs (returned
// decoded for regex re-scan), URL-encoding density, and HTML-entity
// density.
func encodingScore(message string) (float64, []string) {
	score := 0.0
	var decoded []string

	for _, run := range base64RunPattern.FindAllString(message, 4) {
		raw, err := base64.StdEncoding.DecodeString(run)
		if err != nil {
			raw, err = base64.RawStdEncoding.DecodeString(run)
		}
		if err != nil || !mostlyPrintable(raw) {
			continue
		}
		score += 0.4
		decoded = append(decoded, string(raw))
	}

	if n := len(urlEncodedPattern.FindAllString(message, -1)); n > 0 {
		score += float64(n*3) / float64(len(message))
	}
	if n := len(htmlEntityPattern.FindAllString(message, -1)); n > 0 {
		score += float64(n*6) / float64(len(message))
	}

	if score > 1 {
		score = 1
	}
	return score, decoded
}

// mostlyPrintable reports whether at least 85% of the bytes decode to
// printable ASCII, filtering out binary blobs and false base64 hits.
func mostlyPrintable(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	printable := 0
	for _, c := range b {
		if c == '\n' || c == '\t' || (c >= 0x20 && c < 0x7F) {
			printable++
		}
	}
	return float64(printable)/float64(len(b)) >= 0.85
}
