// Package labels enthält die Logik für die Interaktion mit der openFDA
// Drug-Label-API (Structured Product Labels).
package labels

// SearchResponse repräsentiert die Top-Level-Struktur der openFDA-Antwort.
type SearchResponse struct {
	Results []Label `json:"results"`
}

// Label repräsentiert eine einzelne Fachinformation in der API-Antwort.
// Die Abschnitte kommen als String-Arrays, ein Eintrag pro Label-Version.
type Label struct {
	SetID string `json:"set_id"`
	ID    string `json:"id"`

	DrugInteractions       []string `json:"drug_interactions"`
	Contraindications      []string `json:"contraindications"`
	BoxedWarning           []string `json:"boxed_warning"`
	Warnings               []string `json:"warnings"`
	WarningsAndCautions    []string `json:"warnings_and_cautions"`
	Precautions            []string `json:"precautions"`
	InformationForPatients []string `json:"information_for_patients"`

	EffectiveTime string `json:"effective_time"`

	OpenFDA struct {
		GenericName []string `json:"generic_name"`
		BrandName   []string `json:"brand_name"`
		RXCUI       []string `json:"rxcui"`
	} `json:"openfda"`
}
