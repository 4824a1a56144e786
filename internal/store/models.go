package store

import (
	"encoding/json"
	"time"
)

// EnvironmentRow is one stored environment. Trees and Layout hold the JSON
// encoding of the block forest and its grid layout.
type EnvironmentRow struct {
	OrganisationID string
	ContextKey     string
	Version        int64
	Layout         json.RawMessage
	Trees          json.RawMessage
	LastModifiedBy string
	LastModifiedAt time.Time
}

// BlockRow mirrors one block of a saved environment. Rows of removed blocks
// are kept with Archived set.
type BlockRow struct {
	ID             string
	OrganisationID string
	ContextKey     string
	ParentID       string
	Slot           string
	Position       int
	TypeKey        string
	TypeVersion    int
	Name           string
	Payload        json.RawMessage
	Archived       bool
	CreatedAt      time.Time
	CreatedBy      string
	UpdatedAt      time.Time
	UpdatedBy      string
}

// EntityRow is a business entity (client, invoice, ...) that reference
// blocks point at.
type EntityRow struct {
	ID             string
	Kind           string
	OrganisationID string
	Name           string
	Data           json.RawMessage
	UpdatedAt      time.Time
}
