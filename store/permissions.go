package store

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// Permissions is the opaque permission string list carried on an identity.
// Role-to-permission mapping happens outside this module; the engine only
// copies the list into issued access tokens.
type Permissions []string

// Value implements driver.Valuer, storing the list as JSON.
func (p Permissions) Value() (driver.Value, error) {
	if p == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]string(p))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (p *Permissions) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*p = nil
		return nil
	case []byte:
		return json.Unmarshal(v, (*[]string)(p))
	case string:
		return json.Unmarshal([]byte(v), (*[]string)(p))
	default:
		return errors.New("store: unsupported permissions column type")
	}
}
