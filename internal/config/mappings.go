package config

import "github.com/lherron/crmsync/internal/domain"

// Default document classes of the CRM entities without a shared class.
const (
	ClassLead = "crm:class:Lead"
	ClassDeal = "crm:class:Deal"
)

// DefaultMappings is used when the config file declares no mappings.
func DefaultMappings() []domain.Mapping {
	return []domain.Mapping{
		{
			Type:       domain.EntityLead,
			Class:      ClassLead,
			Comments:   true,
			Activities: true,
			Fields: []domain.FieldMapping{
				{Remote: "TITLE", Attribute: "title"},
				{Remote: "NAME", Attribute: "firstName"},
				{Remote: "LAST_NAME", Attribute: "lastName"},
				{Remote: "EMAIL", Attribute: "email"},
				{Remote: "PHONE", Attribute: "phone"},
				{Remote: "OPPORTUNITY", Attribute: "amount"},
				{Remote: "COMMENTS", Attribute: "description"},
				{Remote: "ASSIGNED_BY_ID", Attribute: "assignee", Op: domain.FieldOpUser},
				{Remote: "SOURCE_ID", Attribute: "source", Op: domain.FieldOpTag, Category: "source"},
			},
		},
		{
			Type:       domain.EntityDeal,
			Class:      ClassDeal,
			Comments:   true,
			Activities: true,
			Fields: []domain.FieldMapping{
				{Remote: "TITLE", Attribute: "title"},
				{Remote: "STAGE_ID", Attribute: "stage"},
				{Remote: "OPPORTUNITY", Attribute: "amount"},
				{Remote: "CURRENCY_ID", Attribute: "currency"},
				{Remote: "ASSIGNED_BY_ID", Attribute: "assignee", Op: domain.FieldOpUser},
			},
		},
		{
			Type:     domain.EntityContact,
			Class:    domain.ClassPerson,
			Comments: true,
			Fields: []domain.FieldMapping{
				{Remote: "NAME", Attribute: "firstName"},
				{Remote: "LAST_NAME", Attribute: "lastName"},
				{Remote: "EMAIL", Attribute: "email"},
				{Remote: "PHONE", Attribute: "phone"},
				{Remote: "ADDRESS_CITY", Attribute: "city"},
			},
		},
		{
			Type:     domain.EntityCompany,
			Class:    domain.ClassOrganization,
			Comments: true,
			Fields: []domain.FieldMapping{
				{Remote: "TITLE", Attribute: "name"},
				{Remote: "EMAIL", Attribute: "email"},
				{Remote: "PHONE", Attribute: "phone"},
				{Remote: "WEB", Attribute: "website"},
				{Remote: "INDUSTRY", Attribute: "industry", Op: domain.FieldOpTag, Category: "industry"},
			},
		},
	}
}
