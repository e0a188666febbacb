package bitrix

import (
	"context"

	"github.com/lherron/crmsync/internal/domain"
)

// DefaultSelect requests every standard field plus user fields and the
// multi-value contact fields.
var DefaultSelect = []string{"*", "UF_*", "EMAIL", "PHONE", "IM"}

// ListParams are the parameters of a <entity>.list call.
type ListParams struct {
	Select []string          `json:"select,omitempty"`
	Order  map[string]string `json:"order,omitempty"`
	Filter map[string]any    `json:"filter,omitempty"`
	Start  int               `json:"start"`
}

// Page is one page of a list call.
type Page struct {
	Records []domain.Fields
	Total   int
	Next    *int
}

// List fetches one page of method starting at params.Start.
func List(ctx context.Context, c Caller, method string, params ListParams) (*Page, error) {
	resp, err := c.Call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	records, err := DecodeList[domain.Fields](resp)
	if err != nil {
		return nil, err
	}
	return &Page{Records: records, Total: resp.Total, Next: resp.Next}, nil
}
