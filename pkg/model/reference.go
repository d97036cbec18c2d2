package model

import "time"

// Reference is listing metadata fetched for a newly observed symbol.
// Any field may be empty when the source does not know it.
type Reference struct {
	ISIN          string     `json:"isin,omitempty"`
	NameEN        string     `json:"name_en,omitempty"`
	ListedAt      *time.Time `json:"listed_at,omitempty"`
	SecurityGroup string     `json:"security_group,omitempty"`
	StockKind     string     `json:"stock_kind,omitempty"`
	ParValue      string     `json:"par_value,omitempty"`
}

// Metadata renders the non-empty fields as asset_master.metadata entries.
func (r *Reference) Metadata() map[string]any {
	out := map[string]any{}
	if r == nil {
		return out
	}
	for k, v := range map[string]string{
		"isin":           r.ISIN,
		"name_en":        r.NameEN,
		"security_group": r.SecurityGroup,
		"stock_kind":     r.StockKind,
		"par_value":      r.ParValue,
	} {
		if v != "" {
			out[k] = v
		}
	}
	return out
}
