package command

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"bizdesk/api/internal/block"
	"bizdesk/api/internal/treeindex"
)

const checkName = "check_environment"

// CheckEnvironment validates a whole forest the way commands validate the
// sub-trees they insert: ids are unique, every parent accepts its children and
// STRICT payloads match their schema. SOFT findings land on Block.Warnings.
// A nil types only checks ids.
func CheckEnvironment(ctx context.Context, env block.Environment, types Types) error {
	doc, err := NewDocument(env, types, zerolog.Nop())
	if err != nil {
		if errors.Is(err, treeindex.ErrDuplicateID) {
			se := structural(KindDuplicateID, checkName, "", "")
			se.Err = err
			return se
		}
		return err
	}
	for _, tree := range doc.Env.Trees {
		if tree.Root == nil {
			continue
		}
		if err := doc.checkSubtree(ctx, checkName, tree.Root); err != nil {
			return err
		}
	}
	return nil
}

// Checker runs CheckEnvironment against a fixed type source.
// *environment.Service accepts it as its save-time check.
type Checker struct {
	Types Types
}

func (c Checker) CheckEnvironment(ctx context.Context, env block.Environment) error {
	return CheckEnvironment(ctx, env, c.Types)
}
