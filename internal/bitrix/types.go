package bitrix

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Method names used by the sync pipeline.
const (
	MethodUserGet      = "user.get"
	MethodOwnerTypes   = "crm.enum.ownertype"
	MethodCommentList  = "crm.timeline.comment.list"
	MethodActivityList = "crm.activity.list"
)

// Sort directions.
const (
	DirectionAscending  = "ASC"
	DirectionDescending = "DESC"
)

// ID is an identifier the API returns either as a JSON string or a number.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid id %s: %w", data, err)
	}
	*id = ID(n.String())
	return nil
}

// Bool decodes the API's "Y"/"N" flags as well as JSON booleans.
type Bool bool

func (b *Bool) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case "true", `"Y"`, `"y"`, `"1"`, "1":
		*b = true
	default:
		*b = false
	}
	return nil
}

// User is an entry of the user directory.
type User struct {
	ID       ID     `json:"ID"`
	Active   Bool   `json:"ACTIVE"`
	Email    string `json:"EMAIL"`
	Name     string `json:"NAME"`
	LastName string `json:"LAST_NAME"`
	City     string `json:"PERSONAL_CITY"`
}

// OwnerType is an entry of the CRM owner-type enumeration.
type OwnerType struct {
	ID              ID     `json:"ID"`
	Name            string `json:"NAME"`
	SymbolCode      string `json:"SYMBOL_CODE"`
	SymbolCodeShort string `json:"SYMBOL_CODE_SHORT"`
}

// File is a file attached to a timeline comment.
type File struct {
	ID          ID     `json:"id"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ShowURL     string `json:"showUrl"`
	URLDownload string `json:"urlDownload"`
}

// Files is keyed by file id. An empty set arrives as a JSON array.
type Files map[string]File

func (f *Files) UnmarshalJSON(data []byte) error {
	*f = Files{}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		var list []File
		if err := json.Unmarshal(trimmed, &list); err != nil || len(list) == 0 {
			return nil
		}
		for _, file := range list {
			(*f)[string(file.ID)] = file
		}
		return nil
	}
	m := map[string]File{}
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return err
	}
	*f = m
	return nil
}

// Comment is a timeline comment.
type Comment struct {
	ID       ID     `json:"ID"`
	Comment  string `json:"COMMENT"`
	AuthorID ID     `json:"AUTHOR_ID"`
	Created  string `json:"CREATED"`
	Files    Files  `json:"FILES"`
}

// Communication is one party of an activity.
type Communication struct {
	Value          string `json:"VALUE"`
	EntitySettings struct {
		Name     string `json:"NAME"`
		LastName string `json:"LAST_NAME"`
	} `json:"ENTITY_SETTINGS"`
}

// ActivitySettings holds the activity settings the sync reads.
type ActivitySettings struct {
	EmailMeta map[string]string `json:"EMAIL_META"`
}

func (s *ActivitySettings) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}
	var raw struct {
		EmailMeta map[string]any `json:"EMAIL_META"`
	}
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil
	}
	if len(raw.EmailMeta) > 0 {
		s.EmailMeta = make(map[string]string, len(raw.EmailMeta))
		for k, v := range raw.EmailMeta {
			if v == nil {
				s.EmailMeta[k] = ""
				continue
			}
			s.EmailMeta[k] = fmt.Sprint(v)
		}
	}
	return nil
}

// Activity is a communication log entry (e-mail, call, meeting).
type Activity struct {
	ID             ID               `json:"ID"`
	Subject        string           `json:"SUBJECT"`
	Description    string           `json:"DESCRIPTION"`
	Created        string           `json:"CREATED"`
	AuthorID       ID               `json:"AUTHOR_ID"`
	Communications []Communication  `json:"COMMUNICATIONS"`
	Settings       ActivitySettings `json:"SETTINGS"`
}

// DecodeList decodes a result that is either a single object or an array.
func DecodeList[T any](r *Response) ([]T, error) {
	trimmed := bytes.TrimSpace(r.Result)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var out []T
		if err := json.Unmarshal(trimmed, &out); err != nil {
			return nil, fmt.Errorf("failed to decode result list: %w", err)
		}
		return out, nil
	}
	var one T
	if err := json.Unmarshal(trimmed, &one); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	return []T{one}, nil
}

// ParseTime parses an API timestamp. The zero time is returned for empty or
// unparseable values.
func ParseTime(s string) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms)
	}
	return time.Time{}
}
