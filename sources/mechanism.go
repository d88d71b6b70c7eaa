package sources

import "regexp"

// mechanismPatterns sind die festen Muster, mit denen Mechanismus-Phrasen aus
// Quelltexten gezogen werden. Kein NLP; die Vereinheitlichung der Schreibweisen
// übernimmt später die Normalisierung.
var mechanismPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bcyp\s*-?\s*\d[a-z]\d*\b`),
	regexp.MustCompile(`(?i)\bcytochrome\s+p-?450\s*\d?[a-z]?\d*\b`),
	regexp.MustCompile(`(?i)\bp-?\s?glycoprotein\b|\bp-?gp\b`),
	regexp.MustCompile(`(?i)\bqtc?\s+prolongation\b`),
	regexp.MustCompile(`(?i)\bugt\d[a-z]\d*\b`),
	regexp.MustCompile(`(?i)\bserotonin\s+syndrome\b`),
	regexp.MustCompile(`(?i)\b(renal|hepatic)\s+clearance\b`),
	regexp.MustCompile(`(?i)\bprotein\s+binding\s+displacement\b`),
	regexp.MustCompile(`(?i)\badditive\s+(cardio|nephro|hepato|myelo)toxicity\b`),
}

// ExtractMechanismHints findet Mechanismus-Phrasen im Text. Die erste gefundene
// Phrase pro Muster reicht; Duplikate entfernt die Normalisierung.
func ExtractMechanismHints(text string) []string {
	var hints []string
	for _, pattern := range mechanismPatterns {
		if match := pattern.FindString(text); match != "" {
			hints = append(hints, match)
		}
	}
	return hints
}

// FirstMechanismHint gibt die erste gefundene Mechanismus-Phrase zurück.
func FirstMechanismHint(text string) string {
	hints := ExtractMechanismHints(text)
	if len(hints) == 0 {
		return ""
	}
	return hints[0]
}
