package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"

	"bizdesk/api/internal/block"
)

type ValidationIssue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

type ValidationError struct {
	TypeKey string
	Version int
	Issues  []ValidationIssue
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Issues))
	for i, issue := range e.Issues {
		parts[i] = issue.String()
	}
	return fmt.Sprintf("payload does not match %s@%d: %s", e.TypeKey, e.Version, strings.Join(parts, "; "))
}

// SchemaValidator checks a content payload document against a type schema.
type SchemaValidator interface {
	ValidateDocument(schema map[string]any, document []byte) ([]ValidationIssue, error)
}

// GJSONValidator understands the subset of JSON schema block types use:
// "required", "properties.<name>.type", "properties.<name>.maxLength" and
// "properties.<name>.maxItems".
type GJSONValidator struct{}

func (GJSONValidator) ValidateDocument(schema map[string]any, document []byte) ([]ValidationIssue, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	rawSchema, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("encode schema: %w", err)
	}
	if !gjson.ValidBytes(document) {
		return []ValidationIssue{{Message: "payload is not valid JSON"}}, nil
	}
	s := gjson.ParseBytes(rawSchema)
	doc := gjson.ParseBytes(document)

	var issues []ValidationIssue
	for _, field := range s.Get("required").Array() {
		if !doc.Get(gjson.Escape(field.String())).Exists() {
			issues = append(issues, ValidationIssue{Path: field.String(), Message: "is required"})
		}
	}

	props := s.Get("properties").Map()
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		prop := props[name]
		value := doc.Get(gjson.Escape(name))
		if !value.Exists() {
			continue
		}
		if want := prop.Get("type").String(); want != "" && !matchesType(value, want) {
			issues = append(issues, ValidationIssue{Path: name, Message: "must be of type " + want})
			continue
		}
		if limit := prop.Get("maxLength"); limit.Exists() && value.Type == gjson.String && int64(len(value.String())) > limit.Int() {
			issues = append(issues, ValidationIssue{Path: name, Message: fmt.Sprintf("must be at most %d characters", limit.Int())})
		}
		if limit := prop.Get("maxItems"); limit.Exists() && value.IsArray() && int64(len(value.Array())) > limit.Int() {
			issues = append(issues, ValidationIssue{Path: name, Message: fmt.Sprintf("must have at most %d items", limit.Int())})
		}
	}
	return issues, nil
}

func matchesType(value gjson.Result, want string) bool {
	switch want {
	case "string":
		return value.Type == gjson.String
	case "number":
		return value.Type == gjson.Number
	case "integer":
		return value.Type == gjson.Number && value.Float() == float64(value.Int())
	case "boolean":
		return value.Type == gjson.True || value.Type == gjson.False
	case "object":
		return value.IsObject()
	case "array":
		return value.IsArray()
	case "null":
		return value.Type == gjson.Null
	default:
		return true
	}
}

func validatePayload(schema SchemaValidator, t block.BlockType, payload block.Metadata) ([]ValidationIssue, error) {
	switch p := payload.(type) {
	case nil:
		if len(t.Schema) == 0 {
			return nil, nil
		}
		return schema.ValidateDocument(t.Schema, []byte("{}"))
	case block.ContentMetadata:
		doc, err := json.Marshal(p.Data)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		if p.Data == nil {
			doc = []byte("{}")
		}
		return schema.ValidateDocument(t.Schema, doc)
	case block.EntityReferenceMetadata:
		return validateEntityReferences(p), nil
	case block.BlockReferenceMetadata:
		var issues []ValidationIssue
		if p.Item.EntityID == "" && !p.Item.IsEmpty() {
			issues = append(issues, ValidationIssue{Path: "item.entityId", Message: "is required"})
		}
		if p.Item.EntityType != "" && p.Item.EntityType != block.EntityBlock {
			issues = append(issues, ValidationIssue{Path: "item.entityType", Message: "must be BLOCK"})
		}
		if p.ExpandDepth < 0 {
			issues = append(issues, ValidationIssue{Path: "expandDepth", Message: "must not be negative"})
		}
		return issues, nil
	default:
		return nil, fmt.Errorf("validate payload: unknown payload %T", payload)
	}
}

func validateEntityReferences(p block.EntityReferenceMetadata) []ValidationIssue {
	var issues []ValidationIssue
	allowed := make(map[block.EntityType]struct{}, len(p.AllowedTypes))
	for _, t := range p.AllowedTypes {
		allowed[t] = struct{}{}
	}
	seen := make(map[string]struct{}, len(p.Items))
	for i, item := range p.Items {
		path := fmt.Sprintf("items.%d", i)
		if item.EntityID == "" {
			issues = append(issues, ValidationIssue{Path: path + ".entityId", Message: "is required"})
		}
		if len(allowed) > 0 {
			if _, ok := allowed[item.EntityType]; !ok {
				issues = append(issues, ValidationIssue{Path: path + ".entityType", Message: fmt.Sprintf("%s is not allowed here", item.EntityType)})
			}
		}
		if !p.AllowDuplicates {
			key := string(item.EntityType) + "/" + item.EntityID
			if _, dup := seen[key]; dup {
				issues = append(issues, ValidationIssue{Path: path, Message: "duplicate reference to " + key})
			}
			seen[key] = struct{}{}
		}
	}
	return issues
}
