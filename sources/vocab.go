package sources

import (
	"strings"

	"github.com/gdogra/OncoSafeRx-sub018/models"
)

// InteractingDrugVocabulary ist die feste Liste bekannter Interaktionspartner,
// gegen die Quelltexte auf Ko-Nennungen gescannt werden. Schwerpunkt Onkologie
// plus die klassischen CYP-/Transporter-Täter und -Opfer.
var InteractingDrugVocabulary = []string{
	// Onkologika
	"doxorubicin", "cisplatin", "carboplatin", "paclitaxel", "docetaxel",
	"cyclophosphamide", "methotrexate", "fluorouracil", "capecitabine",
	"irinotecan", "etoposide", "vincristine", "imatinib", "erlotinib",
	"tamoxifen", "letrozole", "bortezomib", "lenalidomide",
	// Antikoagulation / Herz-Kreislauf
	"warfarin", "apixaban", "rivaroxaban", "clopidogrel", "digoxin",
	"amiodarone", "verapamil", "diltiazem", "simvastatin", "atorvastatin",
	// Antiinfektiva, klassische CYP-Inhibitoren/-Induktoren
	"ketoconazole", "itraconazole", "fluconazole", "voriconazole",
	"clarithromycin", "erythromycin", "rifampin", "ciprofloxacin",
	"ritonavir", "trimethoprim",
	// Sonstige häufige Partner
	"omeprazole", "fluoxetine", "paroxetine", "carbamazepine", "phenytoin",
	"cyclosporine", "tacrolimus", "ondansetron", "dexamethasone", "allopurinol",
}

// FindDrugMentions sucht im Text nach bekannten Interaktionspartnern und gibt
// die gefundenen Namen zurück; der Zielwirkstoff selbst wird ausgeschlossen.
func FindDrugMentions(text, excludeDrug string) []string {
	lower := strings.ToLower(text)
	exclude := models.NormalizeDrugName(excludeDrug)

	var found []string
	seen := map[string]bool{}
	for _, candidate := range InteractingDrugVocabulary {
		if candidate == exclude || seen[candidate] {
			continue
		}
		if containsWord(lower, candidate) {
			seen[candidate] = true
			found = append(found, candidate)
		}
	}
	return found
}

// containsWord prüft auf Wortgrenzen, damit z.B. "platin" nicht in
// "carboplatin" als eigener Treffer zählt.
func containsWord(haystack, word string) bool {
	idx := 0
	for {
		i := strings.Index(haystack[idx:], word)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(word)
		beforeOK := start == 0 || !isAlpha(haystack[start-1])
		afterOK := end == len(haystack) || !isAlpha(haystack[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isAlpha(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// SeverityFromNarrative leitet heuristisch einen Schweregrad aus Freitext ab
// (z.B. Ausschlusskriterien einer Studie oder Abstract-Formulierungen).
// Konservativ: das stärkste gefundene Signal gewinnt.
func SeverityFromNarrative(text string) models.Severity {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "contraindicat") ||
		strings.Contains(lower, "life-threatening") ||
		strings.Contains(lower, "fatal") ||
		strings.Contains(lower, "severe"):
		return models.SeverityMajor
	case strings.Contains(lower, "caution") ||
		strings.Contains(lower, "monitor") ||
		strings.Contains(lower, "avoid") ||
		strings.Contains(lower, "significant"):
		return models.SeverityModerate
	default:
		return models.SeverityMinor
	}
}
