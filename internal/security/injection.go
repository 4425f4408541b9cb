package security

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Severity ranks an injection match. The scale is ordered.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "none"
	}
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a severity name.
func (s *Severity) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "none", "":
		*s = SeverityNone
	case "low":
		*s = SeverityLow
	case "medium":
		*s = SeverityMedium
	case "high":
		*s = SeverityHigh
	case "critical":
		*s = SeverityCritical
	default:
		return fmt.Errorf("security: unknown severity %q", b)
	}
	return nil
}

// InjectionType names the family a detected pattern belongs to.
type InjectionType string

const (
	InjectionInstructionOverride InjectionType = "instruction_override"
	InjectionAIImpersonation     InjectionType = "ai_impersonation"
	InjectionPromptExtraction    InjectionType = "system_prompt_extraction"
	InjectionPlatformChange      InjectionType = "platform_modification"
	InjectionFakeSystemPrefix    InjectionType = "fake_system_prefix"
	InjectionRoleHijack          InjectionType = "role_hijack"
	InjectionContextManipulation InjectionType = "context_manipulation"
	InjectionCodeInjection       InjectionType = "code_injection"
	InjectionSuspiciousPhrase    InjectionType = "suspicious_phrase"
)

// DetectedPattern is one match. MatchedText is for server-side logs only and
// is never serialized.
type DetectedPattern struct {
	Type        InjectionType `json:"type"`
	Severity    Severity      `json:"severity"`
	MatchedText string        `json:"-"`
	// Position is the byte offset in the normalized input.
	Position int `json:"position"`
}

// InjectionResult is the verdict of Detector.Filter.
type InjectionResult struct {
	Safe             bool              `json:"safe"`
	Blocked          bool              `json:"blocked"`
	MaxSeverity      Severity          `json:"max_severity"`
	DetectedPatterns []DetectedPattern `json:"detected_patterns"`
	OriginalInput    string            `json:"-"`
	Reason           string            `json:"reason,omitempty"`
	Violation        Violation         `json:"violation,omitempty"`
}

// Scope identifies where scanned text came from.
type Scope struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
}

type injectionPattern struct {
	typ      InjectionType
	severity Severity
	re       *regexp.Regexp
}

func pattern(typ InjectionType, sev Severity, expr string) injectionPattern {
	return injectionPattern{typ: typ, severity: sev, re: regexp.MustCompile(`(?i)` + expr)}
}

// injectionPatterns is evaluated in order; every pattern contributes at most
// its first match.
var injectionPatterns = []injectionPattern{
	pattern(InjectionInstructionOverride, SeverityCritical,
		`\b(?:ignore|disregard|forget|override|bypass)\s+(?:all\s+)?(?:(?:of\s+)?(?:the|your|any|these|those)\s+)?(?:previous|prior|above|earlier|preceding|original)\s+(?:instructions?|prompts?|rules?|directions?|guidelines?|context)`),
	pattern(InjectionInstructionOverride, SeverityHigh,
		`\b(?:forget|ignore)\s+everything\s+(?:you\s+(?:were|have\s+been)\s+told|above|before)`),
	pattern(InjectionInstructionOverride, SeverityHigh,
		`(?:^|\n)\s*(?:new|updated|real)\s+instructions?\s*:`),

	pattern(InjectionAIImpersonation, SeverityCritical,
		`\b(?:act|behave|respond|operate)\s+as\s+(?:if\s+you\s+(?:are|were)\s+)?(?:a\s+|an\s+)?(?:different|another|new|other|unrestricted|unfiltered|uncensored)\s+(?:ai|assistant|model|chatbot|llm|agent)\b`),
	pattern(InjectionAIImpersonation, SeverityCritical,
		`\bpretend\s+(?:to\s+be|you\s+are)\s+(?:a\s+|an\s+)?(?:different|another|unrestricted|unfiltered)\s+(?:ai|assistant|model|chatbot)\b`),
	pattern(InjectionAIImpersonation, SeverityHigh,
		`\byou\s+are\s+(?:now\s+|no\s+longer\s+)(?:a\s+|an\s+)?(?:chatgpt|gpt-?\d*|gemini|llama|bard|(?:unrestricted|unfiltered|uncensored)\s+(?:ai|assistant|model))\b`),

	pattern(InjectionPromptExtraction, SeverityHigh,
		`\b(?:reveal|show|print|display|output|repeat|leak|dump|tell\s+me)\s+(?:me\s+)?(?:your|the)\s+(?:full\s+|entire\s+)?(?:system\s+prompt|initial\s+(?:prompt|instructions)|hidden\s+(?:prompt|instructions)|original\s+instructions|instructions\s+above)`),
	pattern(InjectionPromptExtraction, SeverityHigh,
		`\bwhat\s+(?:is|are|were)\s+your\s+(?:system\s+prompt|initial\s+instructions|hidden\s+instructions)`),

	pattern(InjectionPlatformChange, SeverityCritical,
		`\b(?:modify|edit|change|delete|rewrite|disable|remove|patch)\s+(?:the\s+)?(?:platform(?:'s)?\s+(?:code|source|files?|config)|sandbox\s+(?:rules?|restrictions?|config)|security\s+(?:layer|filters?|rules?|checks?))`),
	pattern(InjectionPlatformChange, SeverityHigh,
		`\b(?:turn\s+off|switch\s+off|get\s+around|escape)\s+(?:the\s+)?(?:sandbox|security\s+filters?|guardrails?)`),

	pattern(InjectionFakeSystemPrefix, SeverityCritical,
		`(?m)^\s*(?:\[(?:system|admin|root|developer)\]|<\|(?:system|im_start)\|>|<<sys>>|\[inst\])`),
	pattern(InjectionFakeSystemPrefix, SeverityHigh,
		`(?m)^\s*(?:system|admin)(?:\s+(?:prompt|message|override))?\s*:`),

	pattern(InjectionRoleHijack, SeverityHigh,
		`\b(?:you\s+are\s+now|from\s+now\s+on,?\s+you\s+are)\s+(?:in\s+)?(?:dan|developer\s+mode|jailbroken|god\s+mode|unrestricted\s+mode|evil)\b`),
	pattern(InjectionRoleHijack, SeverityHigh,
		`\b(?:enable|enter|activate|switch\s+to)\s+(?:developer|god|admin|debug|jailbreak)\s+mode\b`),
	pattern(InjectionRoleHijack, SeverityHigh, `\b(?:jailbreak|do\s+anything\s+now)\b`),

	pattern(InjectionContextManipulation, SeverityHigh,
		`</?(?:system|instructions|context|system_prompt)>`),
	pattern(InjectionContextManipulation, SeverityHigh,
		`[-=#]{3,}\s*(?:end|begin|start)\s+(?:of\s+)?(?:system|user|instructions|prompt|context)\b`),
	pattern(InjectionContextManipulation, SeverityMedium,
		`\b(?:the\s+)?(?:conversation|context|prompt)\s+(?:above|so\s+far)\s+(?:is|was)\s+(?:fake|a\s+test|over)\b`),

	pattern(InjectionCodeInjection, SeverityHigh,
		`\b(?:child_process|subprocess\.(?:run|call|popen|check_output)|os\.(?:system|popen|exec\w*)|runtime\.getruntime\(\)\.exec|exec\.command)\b`),
	pattern(InjectionCodeInjection, SeverityHigh,
		`\brequire\s*\(\s*['"]child_process['"]\s*\)|__import__\s*\(\s*['"]os['"]\s*\)`),
	pattern(InjectionCodeInjection, SeverityMedium, `\b(?:eval|exec)\s*\(`),
}

// defaultSuspiciousPhrases are matched as lower-case substrings. They only
// block in strict mode.
var defaultSuspiciousPhrases = []string{
	"hypothetically speaking",
	"for educational purposes only",
	"in a fictional world",
	"roleplay as",
	"pretend that you",
	"without any restrictions",
	"no restrictions apply",
	"ignore your training",
	"between you and me",
	"don't tell anyone",
	"this is just a test",
	"you have no rules",
	"answer without filters",
}

var zeroWidth = strings.NewReplacer(
	"\u200b", "", "\u200c", "", "\u200d", "", "\u2060", "", "\ufeff", "", "\u00ad", "",
)

// normalizeText folds compatibility forms (fullwidth letters, ligatures) and
// drops zero-width runes so patterns cannot be dodged by invisible padding.
func normalizeText(text string) string {
	return zeroWidth.Replace(norm.NFKC.String(text))
}

// Detector scans free text for prompt-injection attempts.
type Detector struct {
	registry *RegistryStore
	events   EventRecorder
	logger   *slog.Logger
}

// NewDetector creates a detector. events may be nil.
func NewDetector(registry *RegistryStore, events EventRecorder, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		registry: registry,
		events:   events,
		logger:   logger.With("component", "injection"),
	}
}

// Filter scans text. High and critical matches always block; medium matches
// block only in strict mode. Every non-empty match set is logged, blocked or not.
func (d *Detector) Filter(text string, scope Scope, mode Mode) InjectionResult {
	normalized := normalizeText(text)
	res := InjectionResult{OriginalInput: text}

	for _, p := range injectionPatterns {
		loc := p.re.FindStringIndex(normalized)
		if loc == nil {
			continue
		}
		res.DetectedPatterns = append(res.DetectedPatterns, DetectedPattern{
			Type:        p.typ,
			Severity:    p.severity,
			MatchedText: normalized[loc[0]:loc[1]],
			Position:    loc[0],
		})
	}

	lower := strings.ToLower(normalized)
	for _, phrase := range d.phrases() {
		if i := strings.Index(lower, phrase); i >= 0 {
			res.DetectedPatterns = append(res.DetectedPatterns, DetectedPattern{
				Type:        InjectionSuspiciousPhrase,
				Severity:    SeverityMedium,
				MatchedText: phrase,
				Position:    i,
			})
		}
	}

	if markers := roleMarkers(normalized); len(markers) > maxRoleMarkers {
		res.DetectedPatterns = append(res.DetectedPatterns, DetectedPattern{
			Type:        InjectionContextManipulation,
			Severity:    SeverityMedium,
			MatchedText: strings.Join(markers, " "),
		})
	}

	for _, dp := range res.DetectedPatterns {
		if dp.Severity > res.MaxSeverity {
			res.MaxSeverity = dp.Severity
		}
	}
	res.Blocked = res.MaxSeverity >= SeverityHigh || (mode.Strict() && res.MaxSeverity >= SeverityMedium)
	res.Safe = !res.Blocked
	if res.Blocked {
		res.Violation = PromptInjectionDetected
		res.Reason = "Input was blocked because it looks like an attempt to manipulate the assistant"
	}

	if len(res.DetectedPatterns) > 0 {
		d.record(res, scope, mode)
	}
	return res
}

// FilterKickoff scans platform-authored context fed back to the agent.
// Strict mode is always applied.
func (d *Detector) FilterKickoff(text string, scope Scope) InjectionResult {
	return d.Filter(text, scope, ModeStrict)
}

func (d *Detector) phrases() []string {
	if d.registry == nil {
		return defaultSuspiciousPhrases
	}
	if reg := d.registry.Load(); reg != nil {
		return reg.phrases
	}
	return defaultSuspiciousPhrases
}

func (d *Detector) record(res InjectionResult, scope Scope, mode Mode) {
	types := newStringSet()
	for _, dp := range res.DetectedPatterns {
		types.add(string(dp.Type))
		d.logger.Debug("injection pattern matched",
			"user", scope.UserID,
			"type", dp.Type,
			"severity", dp.Severity,
			"match", dp.MatchedText,
			"position", dp.Position,
		)
	}
	if d.events == nil {
		return
	}
	details := fmt.Sprintf("severity=%s blocked=%t mode=%s types=%s",
		res.MaxSeverity, res.Blocked, mode, strings.Join(types.list(), ","))
	if scope.ProjectID != "" {
		details += " project=" + scope.ProjectID
	}
	d.events.Log(Event{
		UserID:    scope.UserID,
		SessionID: scope.SessionID,
		Type:      EventPromptInjection,
		Details:   details,
	})
}

const maxRoleMarkers = 2

var roleMarkerRe = regexp.MustCompile(`(?im)(?:^|[\s>])((?:user|system|assistant|human|ai|admin|developer|model)\s*:)|(\[(?:system|admin|user|assistant|developer|inst)\])|(<\|?(?:system|user|assistant)\|?>)`)

// roleMarkers returns the distinct role marker tokens in text, lower-cased.
func roleMarkers(text string) []string {
	set := newStringSet()
	for _, m := range roleMarkerRe.FindAllStringSubmatch(text, -1) {
		for _, g := range m[1:] {
			if g != "" {
				set.add(strings.ToLower(strings.ReplaceAll(g, " ", "")))
			}
		}
	}
	return set.list()
}

// DetectStructuralInjection reports whether text contains more than two
// distinct role markers, which suggests a forged multi-turn transcript.
func DetectStructuralInjection(text string) bool {
	return len(roleMarkers(normalizeText(text))) > maxRoleMarkers
}

var sanitizePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?im)^\s*(?:\[(?:system|admin|root|developer)\]|<\|(?:system|im_start|im_end)\|>|<<sys>>|<</sys>>|\[/?inst\])\s*`),
	regexp.MustCompile(`(?im)^\s*(?:system|admin)(?:\s+(?:prompt|message|override))?\s*:\s*`),
	regexp.MustCompile(`(?i)</?(?:system|instructions|system_prompt)>`),
}

// SanitizeInput strips recognized fake system prefixes and tags. It is a
// cleanup step only; callers must still act on Filter's verdict.
func SanitizeInput(text string) string {
	s := normalizeText(text)
	for _, re := range sanitizePatterns {
		s = re.ReplaceAllString(s, "")
	}
	return strings.TrimSpace(s)
}

// IsInputSafe is a fast check against the critical patterns only. It does
// not log and is not a substitute for Filter.
func IsInputSafe(text string) bool {
	normalized := normalizeText(text)
	for _, p := range injectionPatterns {
		if p.severity == SeverityCritical && p.re.MatchString(normalized) {
			return false
		}
	}
	return true
}
