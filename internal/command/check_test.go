package command

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bizdesk/api/internal/block"
)

func forest(roots ...block.Node) block.Environment {
	env := block.Environment{OrganisationID: "org_1", ContextKey: "client:c1"}
	for _, root := range roots {
		env.Trees = append(env.Trees, block.BlockTree{Root: root})
	}
	return env
}

func untitled(id, typeKey string) *block.ContentNode {
	return block.NewContentNode(block.Block{ID: id, TypeRef: block.TypeRef{Key: typeKey, Version: 1}, Payload: block.ContentMetadata{Data: map[string]any{}}})
}

func TestCheckEnvironmentAcceptsValidForest(t *testing.T) {
	env := forest(
		contentBlock("p1", "page", contentBlock("s1", "section", contentBlock("n1", "note"))),
		contentBlock("p2", "page"),
	)
	assert.NoError(t, CheckEnvironment(context.Background(), env, testTypes(t)))
}

func TestCheckEnvironmentRejectsDuplicateIDs(t *testing.T) {
	env := forest(
		contentBlock("p1", "page", contentBlock("blk_dup", "note")),
		contentBlock("p2", "page", contentBlock("blk_dup", "note")),
	)
	err := CheckEnvironment(context.Background(), env, nil)
	require.ErrorIs(t, err, ErrDuplicateID)
	assert.Equal(t, KindDuplicateID, KindOf(err))
}

func TestCheckEnvironmentRejectsForbiddenNesting(t *testing.T) {
	types := testTypes(t)

	leafWithChild := forest(contentBlock("p1", "page", contentBlock("n1", "note", contentBlock("n2", "note"))))
	err := CheckEnvironment(context.Background(), leafWithChild, types)
	require.ErrorIs(t, err, ErrInvalidNesting)

	crowded := forest(contentBlock("p1", "page", contentBlock("s1", "section",
		contentBlock("n1", "note"), contentBlock("n2", "note"), contentBlock("n3", "note"))))
	err = CheckEnvironment(context.Background(), crowded, types)
	assert.ErrorIs(t, err, ErrInvalidNesting)
}

func TestCheckEnvironmentPayloads(t *testing.T) {
	types := testTypes(t)

	strict := forest(contentBlock("p1", "page", untitled("n1", "strict_note")))
	err := CheckEnvironment(context.Background(), strict, types)
	require.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, KindValidation, KindOf(err))

	soft := untitled("n1", "note")
	require.NoError(t, CheckEnvironment(context.Background(), forest(contentBlock("p1", "page", soft)), types))
	assert.NotEmpty(t, soft.Block.Warnings, "SOFT issues are attached, not raised")

	unknown := forest(untitled("x1", "ghost"))
	assert.ErrorIs(t, CheckEnvironment(context.Background(), unknown, types), ErrValidation)
}
