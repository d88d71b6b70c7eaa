package models

import "strings"

// Drug repräsentiert einen Wirkstoff auf der Beobachtungsliste, für den
// Interaktions-Evidenz gesammelt wird.
type Drug struct {
	ID    uint   `json:"id" gorm:"primaryKey"`
	Name  string `json:"name" gorm:"uniqueIndex;not null"` // z.B. "doxorubicin"
	RXCUI string `json:"rxcui,omitempty" gorm:"index"`
}

// TableName gibt den expliziten Tabellennamen für GORM an.
func (Drug) TableName() string {
	return "drugs"
}

// DrugRef ist die Referenz auf einen Wirkstoff innerhalb eines Evidence-Objekts:
// Anzeigename plus optional aufgelöster RXCUI-Code.
type DrugRef struct {
	Name  string `json:"name"`
	RXCUI string `json:"rxcui,omitempty"`
	// NameBasedKey markiert, dass die RxNorm-Auflösung fehlschlug und der
	// Pair-Key auf dem Namen statt auf dem Code basiert.
	NameBasedKey bool `json:"name_based_key,omitempty"`
}

// KeyComponent liefert die Komponente dieses Wirkstoffs für den Pair-Key:
// bevorzugt der aufgelöste Code, sonst der normalisierte Name.
func (d DrugRef) KeyComponent() string {
	if d.RXCUI != "" {
		return "rxcui:" + d.RXCUI
	}
	return "name:" + NormalizeDrugName(d.Name)
}

// NormalizeDrugName normalisiert einen Wirkstoffnamen für Vergleiche und Keys.
func NormalizeDrugName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
