package domain

import "strings"

// Remote entity types.
const (
	EntityLead    = "crm.lead"
	EntityDeal    = "crm.deal"
	EntityContact = "crm.contact"
	EntityCompany = "crm.company"
	EntityUser    = "user"
)

const entityPrefix = "crm."

// FieldOp is the kind of conversion applied to one remote field.
type FieldOp string

const (
	FieldOpCopy FieldOp = "copy"
	FieldOpUser FieldOp = "user"
	FieldOpTag  FieldOp = "tag"
	FieldOpFile FieldOp = "file"
)

// FieldMapping maps one remote field onto the target document.
type FieldMapping struct {
	Remote    string  `yaml:"remote" json:"remote" validate:"required"`
	Attribute string  `yaml:"attribute" json:"attribute"`
	Op        FieldOp `yaml:"op" json:"op" validate:"omitempty,oneof=copy user tag file"`
	// Category groups tag elements created by a tag mapping.
	Category string `yaml:"category,omitempty" json:"category,omitempty"`
}

// Mapping describes how one remote entity type maps to one document class.
type Mapping struct {
	Type       string         `yaml:"type" json:"type" validate:"required"`
	Class      string         `yaml:"class" json:"class" validate:"required"`
	Comments   bool           `yaml:"comments" json:"comments"`
	Activities bool           `yaml:"activities" json:"activities"`
	Fields     []FieldMapping `yaml:"fields" json:"fields" validate:"dive"`
}

// EntityName returns the entity type without the "crm." prefix, e.g. "lead".
func (m Mapping) EntityName() string {
	return strings.TrimPrefix(m.Type, entityPrefix)
}

// IsOrganization reports whether records of this mapping own contacts.
func (m Mapping) IsOrganization() bool {
	return m.Type == EntityCompany
}

// ListMethod is the remote list method for the mapping's entity type.
func (m Mapping) ListMethod() string {
	return m.Type + ".list"
}

// FindMapping returns the mapping for an entity type.
func FindMapping(mappings []Mapping, entityType string) (Mapping, bool) {
	for _, m := range mappings {
		if m.Type == entityType {
			return m, true
		}
	}
	return Mapping{}, false
}
