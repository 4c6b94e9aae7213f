package persona

type DriftType string

const (
	DriftToneShift          DriftType = "tone-shift"
	DriftVocabularyChange   DriftType = "vocabulary-change"
	DriftWorldviewViolation DriftType = "worldview-violation"
	DriftSpeechPatternBreak DriftType = "speech-pattern-break"
	DriftBehavioralMismatch DriftType = "behavioral-mismatch"
	DriftIdentityBreak      DriftType = "identity-break"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Rank orders severities; unknown values rank below low.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	default:
		return 0
	}
}

// ParseSeverity accepts the severity words used in rule tables and model
// answers. ok is false for anything else.
func ParseSeverity(raw string) (Severity, bool) {
	switch Severity(raw) {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return Severity(raw), true
	}
	return "", false
}

type DriftIndicator struct {
	Type        DriftType `json:"type"`
	Description string    `json:"description"`
	Evidence    string    `json:"evidence,omitempty"`
	Severity    Severity  `json:"severity"`
}

type DriftDetection struct {
	Detected   bool             `json:"detected"`
	Severity   Severity         `json:"severity"`
	Indicators []DriftIndicator `json:"indicators,omitempty"`
	Corrected  bool             `json:"corrected"`
}

// AggregateSeverity applies the escalation rule: any high wins, two or more
// mediums make medium, anything else is low.
func AggregateSeverity(indicators []DriftIndicator) Severity {
	mediums := 0
	for _, ind := range indicators {
		switch ind.Severity {
		case SeverityHigh:
			return SeverityHigh
		case SeverityMedium:
			mediums++
		}
	}
	if mediums >= 2 {
		return SeverityMedium
	}
	return SeverityLow
}

// NewDetection builds a detection record from a set of indicators.
func NewDetection(indicators []DriftIndicator) DriftDetection {
	return DriftDetection{
		Detected:   len(indicators) > 0,
		Severity:   AggregateSeverity(indicators),
		Indicators: indicators,
	}
}

// HasIndicator reports whether an indicator of type t is present.
func (d DriftDetection) HasIndicator(t DriftType) bool {
	for _, ind := range d.Indicators {
		if ind.Type == t {
			return true
		}
	}
	return false
}
