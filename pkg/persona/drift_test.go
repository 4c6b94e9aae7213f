package persona

import "testing"

func TestAggregateSeverity_Escalation(t *testing.T) {
	low := DriftIndicator{Type: DriftVocabularyChange, Severity: SeverityLow}
	med := DriftIndicator{Type: DriftBehavioralMismatch, Severity: SeverityMedium}
	high := DriftIndicator{Type: DriftIdentityBreak, Severity: SeverityHigh}

	tests := []struct {
		name string
		in   []DriftIndicator
		want Severity
	}{
		{"empty", nil, SeverityLow},
		{"single low", []DriftIndicator{low}, SeverityLow},
		{"single medium stays low", []DriftIndicator{med}, SeverityLow},
		{"two medium", []DriftIndicator{med, med}, SeverityMedium},
		{"any high", []DriftIndicator{low, high}, SeverityHigh},
		{"high with mediums", []DriftIndicator{med, med, high}, SeverityHigh},
	}
	for _, tc := range tests {
		if got := AggregateSeverity(tc.in); got != tc.want {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}

func TestAggregateSeverity_AddingHighNeverLowers(t *testing.T) {
	pool := []DriftIndicator{
		{Severity: SeverityLow},
		{Severity: SeverityMedium},
		{Severity: SeverityMedium},
		{Severity: SeverityHigh},
	}
	high := DriftIndicator{Type: DriftIdentityBreak, Severity: SeverityHigh}
	// every subset of the pool
	for mask := 0; mask < 1<<len(pool); mask++ {
		var set []DriftIndicator
		for i := range pool {
			if mask&(1<<i) != 0 {
				set = append(set, pool[i])
			}
		}
		before := AggregateSeverity(set)
		after := AggregateSeverity(append(append([]DriftIndicator{}, set...), high))
		if after.Rank() < before.Rank() || after != SeverityHigh {
			t.Fatalf("mask %b: before=%s after=%s", mask, before, after)
		}
	}
}

func TestConstructKey(t *testing.T) {
	if got := ConstructKey(" Nova ", "001"); got != "nova-001" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := ConstructKey("lin", ""); got != "lin" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestEmotionalRangeContains(t *testing.T) {
	r := EmotionalRange{
		Min: EmotionalState{Valence: -0.2, Arousal: 0.1},
		Max: EmotionalState{Valence: 0.8, Arousal: 0.9},
	}
	v, a := r.Contains(EmotionalState{Valence: -0.9, Arousal: 0.5})
	if v || !a {
		t.Fatalf("expected valence out, arousal in; got %v %v", v, a)
	}
	if r.IsZero() {
		t.Fatal("range with bounds must not be zero")
	}
	if !(EmotionalRange{}).IsZero() {
		t.Fatal("empty range must be zero")
	}
}
