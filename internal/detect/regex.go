package detect

import (
	"context"
	"regexp"
	"strings"
)

// patternCategory groups the compiled patterns of one threat category with
// its default severity.
type patternCategory struct {
	name     string
	severity Severity
	patterns []*regexp.Regexp
}

// Category patterns ship with multilingual variants (English, Korean,
// Japanese, Chinese). Patterns are compiled once at package init; a compile
// failure here is a programming error and panics via MustCompile.
var patternCategories = []patternCategory{
	{
		name:     "instruction_override",
		severity: SeverityHigh,
		patterns: compileAll(
			`(?i)ignore\s+(all\s+)?(previous|prior|above|earlier)\s+(instructions?|prompts?|rules?|directives?)`,
			`(?i)disregard\s+(all\s+)?(previous|prior|your)\s+(instructions?|rules?|training)`,
			`(?i)forget\s+(everything|all|your\s+(instructions?|rules?|training))`,
			`(?i)new\s+instructions?\s*[:：]`,
			`(?i)from\s+now\s+on[,，]?\s+you\s+(are|will|must)`,
			`이전\s*(지시|명령|프롬프트).{0,8}(무시|잊)`,
			`(以前|前の|これまでの)\s*(指示|命令|ルール)\s*を\s*(無視|忘れ)`,
			`(忽略|无视|忘记)\s*(之前|以上|先前)\s*的?\s*(指令|指示|规则|提示)`,
		),
	},
	{
		name:     "role_manipulation",
		severity: SeverityMedium,
		patterns: compileAll(
			`(?i)(pretend|act|behave)\s+(to\s+be|as|like)\s+(a|an|you('| a)?re)`,
			`(?i)you\s+are\s+(now\s+)?(DAN|AIM|an?\s+unrestricted|an?\s+unfiltered)`,
			`(?i)roleplay\s+as\s+(an?\s+)?(evil|unrestricted|jailbroken)`,
			`(?i)switch\s+to\s+(developer|god|admin|sudo)\s+mode`,
			`(너|당신)는?\s*이제\s*(제한\s*없는|자유로운)`,
			`あなたは今から(制限のない|自由な)`,
			`你现在是一个?(不受限制|没有限制|自由)的`,
		),
	},
	{
		name:     "system_impersonation",
		severity: SeverityCritical,
		patterns: compileAll(
			`(?i)\[?\s*system\s*(message|prompt|note)?\s*\]?\s*[:：]`,
			`(?i)<\s*/?\s*system\s*>`,
			`(?i)<<\s*SYS\s*>>`,
			`(?i)\bBEGIN\s+SYSTEM\s+PROMPT\b`,
			`(?i)\[INST\]`,
			`系统\s*(消息|提示)\s*[:：]`,
			`システム\s*(メッセージ|プロンプト)\s*[:：]`,
		),
	},
	{
		name:     "secret_extraction",
		severity: SeverityCritical,
		patterns: compileAll(
			`(?i)(show|reveal|print|repeat|output|tell)\s+(me\s+)?(your|the)\s+(system\s+prompt|instructions?|api[\s_-]?key|secret|credential|password|token)`,
			`(?i)what\s+(is|are)\s+your\s+(initial\s+)?(instructions?|system\s+prompt|rules)`,
			`(?i)(leak|dump|expose)\s+(the\s+)?(prompt|config|secrets?|keys?)`,
			`(시스템\s*프롬프트|비밀|API\s*키).{0,10}(보여|알려|출력)`,
			`(システムプロンプト|秘密|APIキー)を?(見せ|教え|出力)`,
			`(显示|告诉|输出).{0,6}(系统提示|密钥|秘密|口令)`,
		),
	},
	{
		name:     "dangerous_command",
		severity: SeverityCritical,
		patterns: compileAll(
			`(?i)\brm\s+-rf\s+[/~]`,
			`(?i)\b(curl|wget)\s+[^\s]+\s*\|\s*(ba)?sh\b`,
			`(?i)\bdrop\s+(table|database)\b`,
			`(?i)\bmkfs\.\w+`,
			`(?i):\(\)\s*\{\s*:\|:\s*&\s*\}\s*;`,
			`(?i)\bdel\s+/[fsq]\s+`,
		),
	},
	{
		name:     "urgency_manipulation",
		severity: SeverityMedium,
		patterns: compileAll(
			`(?i)\b(urgent|emergency|immediately|right\s+now)\b.{0,40}\b(bypass|override|skip|ignore)\b`,
			`(?i)\b(bypass|override|skip)\b.{0,40}\b(urgent|emergency|immediately)\b`,
			`(?i)lives?\s+(are|is)\s+at\s+(stake|risk).{0,40}(ignore|bypass|override)`,
			`(긴급|응급).{0,20}(무시|우회)`,
			`(緊急|至急).{0,20}(無視|バイパス)`,
			`(紧急|立刻).{0,20}(绕过|忽略)`,
		),
	},
	{
		name:     "authority_impersonation",
		severity: SeverityHigh,
		patterns: compileAll(
			`(?i)\b(i\s+am|this\s+is)\s+(your\s+)?(developer|creator|administrator|admin|engineer|anthropic|openai)\b`,
			`(?i)as\s+your\s+(developer|creator|owner|administrator)[,，]?\s+i\s+(order|command|instruct)`,
			`(?i)\bauthorized\s+by\s+(the\s+)?(dev(eloper)?s?|admins?|owners?)\b`,
			`(나는|저는)\s*(너의|당신의)\s*(개발자|관리자)`,
			`私は(あなたの)?(開発者|管理者)(です|だ)`,
			`我是你的?(开发者|管理员|创造者)`,
		),
	},
	{
		name:     "context_hijacking",
		severity: SeverityHigh,
		patterns: compileAll(
			`(?i)\bend\s+of\s+(conversation|context|transcript)\b`,
			`(?i)-{3,}\s*(new|fresh)\s+(conversation|session|context)`,
			`(?i)\babove\s+(conversation|messages?)\s+(was|were)\s+(a\s+)?(test|fake|example)`,
			`(?i)\[?\s*assistant\s*\]?\s*[:：]\s*(sure|okay|yes)`,
			`(?i)the\s+user\s+has\s+left.{0,30}you\s+(may|can)\s+now`,
		),
	},
	{
		name:     "token_smuggling",
		severity: SeverityMedium,
		patterns: compileAll(
			`(?i)\bdecode\s+(this\s+)?(base64|hex|rot13|binary)\b`,
			`(?i)\b(base64|hex)[\s_-]?decode\b`,
			`(?i)read\s+(it|this)\s+backwards?`,
			`(?i)\bu\+[0-9a-f]{4}\b`,
			`&#x?[0-9a-f]{2,6};.{0,5}&#x?[0-9a-f]{2,6};`,
			`%[0-9a-f]{2}%[0-9a-f]{2}%[0-9a-f]{2}`,
		),
	},
	{
		name:     "safety_bypass",
		severity: SeverityHigh,
		patterns: compileAll(
			`(?i)\bwithout\s+(any\s+)?(restrictions?|filters?|limitations?|censorship)\b`,
			`(?i)\b(disable|turn\s+off|remove)\s+(your\s+)?(safety|content)\s+(filters?|guidelines?|checks?)\b`,
			`(?i)\bjailbreak(ed|ing)?\b`,
			`(?i)\bno\s+ethical\s+(guidelines?|constraints?)\b`,
			`(안전|필터).{0,10}(꺼|해제|무시)`,
			`(安全|フィルター)を?(無効|オフ|解除)`,
			`(关闭|解除|绕过).{0,6}(安全|过滤|审查)`,
		),
	},
}

// criticalCategories gets a confidence bonus per the scoring rules.
var criticalCategories = map[string]bool{
	"system_impersonation": true,
	"secret_extraction":    true,
	"dangerous_command":    true,
}

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(exprs))
	for i, e := range exprs {
		out[i] = regexp.MustCompile(e)
	}
	return out
}

// regexStrategy matches the message against every category's patterns.
type regexStrategy struct{}

func newRegexStrategy() *regexStrategy { return &regexStrategy{} }

func (*regexStrategy) name() string { return "regex" }

func (*regexStrategy) analyze(_ context.Context, message string) ([]Threat, error) {
	return scanPatterns(message), nil
}

// scanPatterns runs the full category table over message. Shared with the
// encoding heuristic, which re-scans decoded payloads.
func scanPatterns(message string) []Threat {
	trimmed := strings.TrimSpace(message)
	var threats []Threat

	for _, cat := range patternCategories {
		for _, re := range cat.patterns {
			m := re.FindString(message)
			if m == "" {
				continue
			}
			threats = append(threats, Threat{
				Category:   cat.name,
				Severity:   cat.severity,
				Match:      truncateMatch(m),
				Confidence: matchConfidence(cat.name, m, trimmed),
			})
			break // one threat per category is enough
		}
	}
	return threats
}

// matchConfidence scores a single pattern match: base 0.7, +0.2 when the
// match spans the whole trimmed message, +0.15 for critical categories,
// −0.1 for a short match inside a long message.
func matchConfidence(category, match, trimmed string) float64 {
	conf := 0.7
	if match == trimmed {
		conf += 0.2
	}
	if criticalCategories[category] {
		conf += 0.15
	}
	if len(match) < 10 && len(trimmed) > 100 {
		conf -= 0.1
	}
	if conf > 1 {
		conf = 1
	}
	return conf
}

// messageLooksSuspicious reports whether any category pattern matches.
// Used for multi-turn history scoring, where only the boolean matters.
func messageLooksSuspicious(message string) bool {
	for _, cat := range patternCategories {
		for _, re := range cat.patterns {
			if re.MatchString(message) {
				return true
			}
		}
	}
	return false
}
