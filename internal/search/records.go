package search

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"bizdesk/api/internal/block"
)

// Records flattens the live blocks of env into index documents. Archived
// blocks are left out so the index only ever holds what the editor shows.
func Records(env block.Environment) ([]BlockRecord, error) {
	var out []BlockRecord
	for _, tree := range env.Trees {
		var walkErr error
		err := block.Walk(tree.Root, func(n block.Node, _ block.Node, _ string, _ int) bool {
			b := n.Base()
			if b.Archived {
				return false
			}
			text, err := payloadText(b.Payload)
			if err != nil {
				walkErr = fmt.Errorf("index block %s: %w", b.ID, err)
				return false
			}
			out = append(out, BlockRecord{
				ID:             b.ID,
				OrganisationID: env.OrganisationID,
				ContextKey:     env.ContextKey,
				TypeKey:        b.TypeRef.Key,
				Name:           b.Name,
				Text:           text,
			})
			return true
		})
		if err != nil {
			return nil, err
		}
		if walkErr != nil {
			return nil, walkErr
		}
	}
	return out, nil
}

// payloadText joins every string leaf of the payload in document order.
func payloadText(m block.Metadata) (string, error) {
	if m == nil {
		return "", nil
	}
	raw, err := block.MarshalMetadata(m)
	if err != nil {
		return "", err
	}
	return rawPayloadText(raw), nil
}

func collectStrings(v gjson.Result, parts *[]string) {
	switch {
	case v.IsObject() || v.IsArray():
		v.ForEach(func(_, value gjson.Result) bool {
			collectStrings(value, parts)
			return true
		})
	case v.Type == gjson.String:
		if s := strings.TrimSpace(v.String()); s != "" {
			*parts = append(*parts, s)
		}
	}
}

func rawPayloadText(raw []byte) string {
	var parts []string
	collectStrings(gjson.GetBytes(raw, "data"), &parts)
	return strings.Join(parts, " ")
}
