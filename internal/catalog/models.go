package catalog

import "time"

// Project is an immutable registry project record.
type Project struct {
	ID                  uint64    `json:"id"`
	ExternalProjectCode string    `json:"external_project_code"`
	Standard            string    `json:"standard"`
	Methodology         string    `json:"methodology"`
	Region              string    `json:"region"`
	StorageMethod       string    `json:"storage_method"`
	Method              string    `json:"method"`
	EmissionCategory    string    `json:"emission_category"`
	MetadataURI         string    `json:"metadata_uri"`
	CreatedAt           time.Time `json:"created_at"`
}

// ProjectAttrs are the caller-supplied fields of a new project.
type ProjectAttrs struct {
	ExternalProjectCode string `json:"external_project_code"`
	Standard            string `json:"standard"`
	Methodology         string `json:"methodology"`
	Region              string `json:"region"`
	StorageMethod       string `json:"storage_method"`
	Method              string `json:"method"`
	EmissionCategory    string `json:"emission_category"`
	MetadataURI         string `json:"metadata_uri"`
}

// Well-known compliance flags.
const (
	FlagCorsiaCompliant = "corsia_compliant"
	FlagCCPCompliant    = "ccp_compliant"
)

// Vintage is an immutable dated sub-allocation of a project's issuance.
type Vintage struct {
	ID                      uint64          `json:"id"`
	ProjectID               uint64          `json:"project_id"`
	Name                    string          `json:"name"`
	PeriodStart             time.Time       `json:"period_start"`
	PeriodEnd               time.Time       `json:"period_end"`
	TotalQuantity           int64           `json:"total_quantity"`
	ComplianceFlags         map[string]bool `json:"compliance_flags"`
	CoBenefits              string          `json:"co_benefits"`
	CorrespondingAdjustment string          `json:"corresponding_adjustment"`
	Certification           string          `json:"certification"`
	MetadataURI             string          `json:"metadata_uri"`
	CreatedAt               time.Time       `json:"created_at"`
}

// VintageAttrs are the caller-supplied fields of a new vintage.
type VintageAttrs struct {
	Name                    string          `json:"name"`
	PeriodStart             time.Time       `json:"period_start"`
	PeriodEnd               time.Time       `json:"period_end"`
	TotalQuantity           int64           `json:"total_quantity"`
	ComplianceFlags         map[string]bool `json:"compliance_flags"`
	CoBenefits              string          `json:"co_benefits"`
	CorrespondingAdjustment string          `json:"corresponding_adjustment"`
	Certification           string          `json:"certification"`
	MetadataURI             string          `json:"metadata_uri"`
}

// HasFlag reports whether the named compliance attribute is set.
func (v Vintage) HasFlag(name string) bool {
	return v.ComplianceFlags[name]
}

func (v Vintage) clone() Vintage {
	if v.ComplianceFlags != nil {
		flags := make(map[string]bool, len(v.ComplianceFlags))
		for k, val := range v.ComplianceFlags {
			flags[k] = val
		}
		v.ComplianceFlags = flags
	}
	return v
}
