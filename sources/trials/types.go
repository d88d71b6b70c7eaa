// Package trials enthält die Logik für die Interaktion mit der
// ClinicalTrials.gov API v2.
package trials

// StudiesResponse repräsentiert die JSON-Antwort der Studiensuche.
type StudiesResponse struct {
	Studies       []Study `json:"studies"`
	NextPageToken string  `json:"nextPageToken"`
}

// Study repräsentiert eine einzelne Studie in der API-Antwort.
type Study struct {
	ProtocolSection struct {
		IdentificationModule struct {
			NCTID      string `json:"nctId"`
			BriefTitle string `json:"briefTitle"`
		} `json:"identificationModule"`
		DesignModule struct {
			StudyType  string   `json:"studyType"`
			Phases     []string `json:"phases"`
			DesignInfo struct {
				Allocation string `json:"allocation"`
			} `json:"designInfo"`
		} `json:"designModule"`
		ArmsInterventionsModule struct {
			Interventions []Intervention `json:"interventions"`
		} `json:"armsInterventionsModule"`
		EligibilityModule struct {
			EligibilityCriteria string `json:"eligibilityCriteria"`
		} `json:"eligibilityModule"`
	} `json:"protocolSection"`
}

// Intervention repräsentiert einen Studienarm-Wirkstoff.
type Intervention struct {
	Type string `json:"type"`
	Name string `json:"name"`
}
