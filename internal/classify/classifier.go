// Package classify derives a request classification from the latest user
// message of a chat request.
//
// Classification is a pure, local computation: no network calls, no shared
// state. The result drives rule matching in the router and budget admission
// downstream, so the thresholds here are deliberately explicit rather than
// statistical.
package classify

import (
	"math"
	"regexp"
	"strings"

	"github.com/pearl-project/pearl/pkg/types"
)

// Complexity buckets a request by how much model capacity it likely needs.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// RequestType is the coarse content category of a request.
type RequestType string

const (
	TypeGeneral  RequestType = "general"
	TypeCode     RequestType = "code"
	TypeCreative RequestType = "creative"
	TypeAnalysis RequestType = "analysis"
	TypeChat     RequestType = "chat"
)

// Classification is the structured summary of one request, derived from the
// latest user message plus minor conversation context. It lives only for the
// duration of the request.
type Classification struct {
	Complexity      Complexity
	Type            RequestType
	Sensitive       bool
	EstimatedTokens int

	// RequiresTools is reserved for rule conditions; tool detection is not
	// implemented and the field is always false.
	RequiresTools bool
}

// highComplexityTokenFloor is the minimum token estimate reported for
// high-complexity requests, so that token-threshold rules written for large
// requests still fire on short but demanding prompts.
const highComplexityTokenFloor = 501

var (
	ssnPattern  = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	cardPattern = regexp.MustCompile(`\b\d{4}[\s-]?\d{4}[\s-]?\d{4}[\s-]?\d{4}\b`)

	credentialKeywords = []string{"api_key", "token", "secret", "credential", "password"}
	healthKeywords     = []string{"diagnosis", "prescription", "medication", "symptom", "medical", "doctor", "patient"}

	codeKeywords = []string{
		"code", "function", "bug", "debug", "compile", "syntax", "refactor",
		"implement", "algorithm", "api", "error", "stack trace", "exception",
		"variable", "class", "method", "regex", "sql", "python", "javascript",
		"typescript", "golang", "rust",
	}
	creativeKeywords = []string{
		"story", "poem", "write a", "creative", "fiction", "imagine",
		"brainstorm", "song", "lyrics", "screenplay", "novel", "character",
	}
	analysisKeywords = []string{
		"analyze", "analyse", "compare", "evaluate", "summarize", "summarise",
		"pros and cons", "trade-off", "tradeoff", "assess", "review",
		"breakdown", "statistics", "data",
	}

	greetingPattern = regexp.MustCompile(`(?i)^\s*(hi|hello|hey|howdy|good (morning|afternoon|evening)|what's up|how are you)\b`)

	questionWords = []string{"what", "why", "how", "when", "where", "which", "who"}

	technicalTerms = []string{
		"algorithm", "database", "kubernetes", "docker", "compiler",
		"concurrency", "thread", "mutex", "protocol", "encryption",
		"architecture", "latency", "throughput", "optimization", "cache",
		"recursion", "asynchronous",
	}

	// advancedTerms force a high complexity regardless of message length.
	advancedTerms = []string{
		"distributed system", "race condition", "byzantine", "consensus",
		"formal verification", "np-hard", "eventual consistency",
	}

	complexityBumpKeywords = []string{"complex", "advanced", "detailed", "in-depth", "comprehensive", "thorough"}
	complexityDropKeywords = []string{"simple", "quick", "brief", "short", "basic"}
)

// Classify derives a Classification from the latest user message of
// messages. An empty conversation, or one with no user message, yields the
// zero classification {low, general, not sensitive, 0 tokens}.
func Classify(messages []types.Message) Classification {
	content := ""
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == types.RoleUser {
			content = messages[i].Content
			break
		}
	}
	return ClassifyText(content)
}

// ClassifyText classifies a single message text. Exported for rule tooling
// and tests that operate on bare strings.
func ClassifyText(content string) Classification {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return Classification{
			Complexity: ComplexityLow,
			Type:       TypeGeneral,
		}
	}

	lower := strings.ToLower(trimmed)

	c := Classification{
		Sensitive: detectSensitive(lower, trimmed),
		Type:      detectType(lower),
	}
	c.Complexity = detectComplexity(lower, trimmed, c.Type)
	c.EstimatedTokens = estimateTokens(trimmed, c.Complexity)
	return c
}

// detectSensitive reports whether the message carries PII shapes, credential
// vocabulary, or health vocabulary.
func detectSensitive(lower, original string) bool {
	if ssnPattern.MatchString(original) || cardPattern.MatchString(original) {
		return true
	}
	for _, kw := range credentialKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	for _, kw := range healthKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// detectType picks the first matching category in order: code, creative,
// analysis, chat greeting, general.
func detectType(lower string) RequestType {
	if keywordConfidence(lower, codeKeywords) > 0 {
		return TypeCode
	}
	if keywordConfidence(lower, creativeKeywords) > 0 {
		return TypeCreative
	}
	if keywordConfidence(lower, analysisKeywords) > 0 {
		return TypeAnalysis
	}
	if greetingPattern.MatchString(lower) {
		return TypeChat
	}
	return TypeGeneral
}

// keywordConfidence returns min(0.3*hits, 1.0) over the keyword set.
func keywordConfidence(lower string, keywords []string) float64 {
	hits := 0
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			hits++
		}
	}
	return math.Min(0.3*float64(hits), 1.0)
}

// detectComplexity applies the length/word/question/technical thresholds
// with the explicit overrides described in the routing design.
func detectComplexity(lower, original string, typ RequestType) Complexity {
	length := len(original)
	words := len(strings.Fields(original))

	questions := 0
	for _, qw := range questionWords {
		questions += strings.Count(lower, qw)
	}

	technical := 0
	for _, term := range technicalTerms {
		if strings.Contains(lower, term) {
			technical++
		}
	}

	// Advanced terms trump everything else.
	for _, term := range advancedTerms {
		if strings.Contains(lower, strings.TrimSpace(term)) {
			return ComplexityHigh
		}
	}

	var c Complexity
	switch {
	case length < 50 && technical == 0:
		c = ComplexityLow
	case length > 300 || words > 60 || technical >= 2 || questions >= 3:
		c = ComplexityHigh
	default:
		c = ComplexityMedium
	}

	// Non-trivial request types never stay low.
	if c == ComplexityLow && (typ == TypeCode || typ == TypeCreative || typ == TypeAnalysis) {
		c = ComplexityMedium
	}

	// Explicit complexity keywords bump one step in either direction.
	for _, kw := range complexityBumpKeywords {
		if strings.Contains(lower, kw) {
			c = bumpUp(c)
			break
		}
	}
	for _, kw := range complexityDropKeywords {
		if strings.Contains(lower, kw) {
			c = bumpDown(c)
			break
		}
	}

	return c
}

func bumpUp(c Complexity) Complexity {
	switch c {
	case ComplexityLow:
		return ComplexityMedium
	case ComplexityMedium:
		return ComplexityHigh
	}
	return c
}

func bumpDown(c Complexity) Complexity {
	switch c {
	case ComplexityHigh:
		return ComplexityMedium
	case ComplexityMedium:
		return ComplexityLow
	}
	return c
}

// estimateTokens approximates the prompt token count as
// max(ceil(len/3.5), ceil(words*1.5)). High-complexity requests are floored
// at highComplexityTokenFloor so token-threshold rules treat them as large.
func estimateTokens(content string, c Complexity) int {
	byChars := int(math.Ceil(float64(len(content)) / 3.5))
	byWords := int(math.Ceil(float64(len(strings.Fields(content))) * 1.5))

	est := byChars
	if byWords > est {
		est = byWords
	}
	if c == ComplexityHigh && est < highComplexityTokenFloor {
		est = highComplexityTokenFloor
	}
	return est
}
