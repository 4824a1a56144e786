package block

import (
	"encoding/json"
	"fmt"
)

type MetadataType string

const (
	MetadataContent         MetadataType = "content"
	MetadataEntityReference MetadataType = "entity_reference"
	MetadataBlockReference  MetadataType = "block_reference"
)

// Metadata is the payload of a block. The set of implementations is closed:
// ContentMetadata, EntityReferenceMetadata and BlockReferenceMetadata.
type Metadata interface {
	MetadataType() MetadataType
	clone() Metadata
}

type ContentMetadata struct {
	Data map[string]any `json:"data"`
}

func (ContentMetadata) MetadataType() MetadataType { return MetadataContent }

func (m ContentMetadata) clone() Metadata {
	return ContentMetadata{Data: cloneMap(m.Data)}
}

type EntityReferenceMetadata struct {
	Items           []ReferenceItem `json:"items"`
	Presentation    string          `json:"presentation,omitempty"`
	AllowedTypes    []EntityType    `json:"allowedTypes,omitempty"`
	Ordering        string          `json:"ordering,omitempty"`
	AllowDuplicates bool            `json:"allowDuplicates"`
	FetchPolicy     FetchPolicy     `json:"fetchPolicy,omitempty"`
}

func (EntityReferenceMetadata) MetadataType() MetadataType { return MetadataEntityReference }

func (m EntityReferenceMetadata) clone() Metadata {
	out := m
	if m.Items != nil {
		out.Items = make([]ReferenceItem, len(m.Items))
		for i, item := range m.Items {
			out.Items[i] = cloneItem(item)
		}
	}
	if m.AllowedTypes != nil {
		out.AllowedTypes = append([]EntityType{}, m.AllowedTypes...)
	}
	return out
}

type BlockReferenceMetadata struct {
	Item        ReferenceItem `json:"item"`
	ExpandDepth int           `json:"expandDepth"`
	FetchPolicy FetchPolicy   `json:"fetchPolicy,omitempty"`
}

func (BlockReferenceMetadata) MetadataType() MetadataType { return MetadataBlockReference }

func (m BlockReferenceMetadata) clone() Metadata {
	out := m
	out.Item = cloneItem(m.Item)
	return out
}

// CloneMetadata deep-copies a payload. A nil payload stays nil.
func CloneMetadata(m Metadata) Metadata {
	if m == nil {
		return nil
	}
	return m.clone()
}

// MarshalMetadata encodes a payload with its "type" discriminator.
func MarshalMetadata(m Metadata) ([]byte, error) {
	if m == nil {
		return []byte("null"), nil
	}
	var body any
	switch v := m.(type) {
	case ContentMetadata:
		body = struct {
			Type MetadataType `json:"type"`
			ContentMetadata
		}{v.MetadataType(), v}
	case EntityReferenceMetadata:
		body = struct {
			Type MetadataType `json:"type"`
			EntityReferenceMetadata
		}{v.MetadataType(), v}
	case BlockReferenceMetadata:
		body = struct {
			Type MetadataType `json:"type"`
			BlockReferenceMetadata
		}{v.MetadataType(), v}
	default:
		return nil, fmt.Errorf("marshal metadata: unknown payload %T", m)
	}
	return json.Marshal(body)
}

func UnmarshalMetadata(data []byte) (Metadata, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}
	var head struct {
		Type MetadataType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode metadata type: %w", err)
	}
	switch head.Type {
	case MetadataContent:
		var m ContentMetadata
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode content metadata: %w", err)
		}
		return m, nil
	case MetadataEntityReference:
		var m EntityReferenceMetadata
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode entity reference metadata: %w", err)
		}
		return m, nil
	case MetadataBlockReference:
		var m BlockReferenceMetadata
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode block reference metadata: %w", err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("decode metadata: unknown type %q", head.Type)
	}
}

type blockJSON struct {
	ID             string          `json:"id"`
	OrganisationID string          `json:"organisationId"`
	TypeRef        TypeRef         `json:"type"`
	Name           string          `json:"name,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Archived       bool            `json:"archived"`
	Audit          Audit           `json:"audit"`
	Warnings       []string        `json:"warnings,omitempty"`
}

func (b Block) MarshalJSON() ([]byte, error) {
	payload, err := MarshalMetadata(b.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(blockJSON{
		ID:             b.ID,
		OrganisationID: b.OrganisationID,
		TypeRef:        b.TypeRef,
		Name:           b.Name,
		Payload:        payload,
		Archived:       b.Archived,
		Audit:          b.Audit,
		Warnings:       b.Warnings,
	})
}

func (b *Block) UnmarshalJSON(data []byte) error {
	var raw blockJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	payload, err := UnmarshalMetadata(raw.Payload)
	if err != nil {
		return fmt.Errorf("block %s: %w", raw.ID, err)
	}
	*b = Block{
		ID:             raw.ID,
		OrganisationID: raw.OrganisationID,
		TypeRef:        raw.TypeRef,
		Name:           raw.Name,
		Payload:        payload,
		Archived:       raw.Archived,
		Audit:          raw.Audit,
		Warnings:       raw.Warnings,
	}
	return nil
}

// Clone returns a deep copy of the block.
func (b Block) Clone() Block {
	out := b
	out.Payload = CloneMetadata(b.Payload)
	if b.Warnings != nil {
		out.Warnings = append([]string{}, b.Warnings...)
	}
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
