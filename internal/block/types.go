// Package block holds the block-tree document model: block types, blocks,
// their payloads, tree nodes, references and the environment aggregate that is
// loaded and saved as one unit.
package block

import (
	"time"
)

// ComponentKind is the nesting category of a block type. Parents list the
// kinds they accept as children.
type ComponentKind string

type Strictness string

const (
	StrictnessNone   Strictness = "NONE"
	StrictnessSoft   Strictness = "SOFT"
	StrictnessStrict Strictness = "STRICT"
)

// SystemScope is the organisation scope of block types shipped with the
// product rather than authored by an organisation.
const SystemScope = "SYSTEM"

// Nesting describes which children a block type accepts. A nil *Nesting on a
// BlockType means the block is a leaf.
type Nesting struct {
	Max          *int            `json:"max,omitempty" yaml:"max,omitempty" validate:"omitempty,gt=0"`
	AllowedTypes []ComponentKind `json:"allowedTypes" yaml:"allowedTypes"`
}

func (n *Nesting) Allows(kind ComponentKind) bool {
	if n == nil {
		return false
	}
	for _, allowed := range n.AllowedTypes {
		if allowed == kind {
			return true
		}
	}
	return false
}

// BlockType is immutable once published; edits publish a new version.
type BlockType struct {
	ID                string         `json:"id" yaml:"id"`
	Key               string         `json:"key" yaml:"key" validate:"required"`
	Version           int            `json:"version" yaml:"version" validate:"gte=1"`
	DisplayName       string         `json:"displayName" yaml:"displayName" validate:"required"`
	Kind              ComponentKind  `json:"kind" yaml:"kind" validate:"required"`
	Nesting           *Nesting       `json:"nesting,omitempty" yaml:"nesting,omitempty"`
	Strictness        Strictness     `json:"strictness" yaml:"strictness" validate:"oneof=NONE SOFT STRICT"`
	Schema            map[string]any `json:"schema,omitempty" yaml:"schema,omitempty"`
	DisplayTemplate   string         `json:"displayTemplate,omitempty" yaml:"displayTemplate,omitempty"`
	OrganisationScope string         `json:"organisationScope" yaml:"organisationScope" validate:"required"`
	Archived          bool           `json:"archived" yaml:"archived"`
}

func (t BlockType) Ref() TypeRef {
	return TypeRef{Key: t.Key, Version: t.Version}
}

// TypeRef points at a published block type version.
type TypeRef struct {
	Key     string `json:"key"`
	Version int    `json:"version"`
}

type Audit struct {
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	CreatedBy string    `json:"createdBy,omitempty"`
	UpdatedBy string    `json:"updatedBy,omitempty"`
}

// Block is owned by exactly one organisation. Warnings carries soft
// validation findings and is never persisted.
type Block struct {
	ID             string   `json:"id"`
	OrganisationID string   `json:"organisationId"`
	TypeRef        TypeRef  `json:"type"`
	Name           string   `json:"name,omitempty"`
	Payload        Metadata `json:"-"`
	Archived       bool     `json:"archived"`
	Audit          Audit    `json:"audit"`
	Warnings       []string `json:"warnings,omitempty"`
}
