package client

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Credential is the body of a successful refresh. RefreshToken is empty when
// the backend did not rotate it.
type Credential struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// ID accepts both numeric and string identifiers, as the backend emits either.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

type Order struct {
	ID        ID          `json:"id"`
	Code      string      `json:"code,omitempty"`
	Status    string      `json:"status"`
	Total     json.Number `json:"total,omitempty"`
	UpdatedAt time.Time   `json:"updatedAt,omitzero"`
}
