package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/openmined/treemirror/internal/znode"
)

// CreateAll creates path and any missing parents. Parents are created empty and
// persistent; an existing parent is not an error.
func CreateAll(ctx context.Context, s Session, path znode.Path, data []byte, mode CreateMode) (znode.Path, error) {
	for _, parent := range path.Ancestors() {
		if _, err := s.Create(ctx, parent, nil, ModePersistent); err != nil && !errors.Is(err, ErrNodeExists) {
			return "", fmt.Errorf("create parent %s: %w", parent, err)
		}
	}
	return s.Create(ctx, path, data, mode)
}

// DeleteAll deletes path and every node below it. A missing node is not an error.
func DeleteAll(ctx context.Context, s Session, path znode.Path) error {
	children, _, err := s.Children(ctx, path)
	if errors.Is(err, ErrNoNode) {
		return nil
	} else if err != nil {
		return fmt.Errorf("list children %s: %w", path, err)
	}

	for _, name := range children {
		child, err := path.Child(name)
		if err != nil {
			return err
		}
		if err := DeleteAll(ctx, s, child); err != nil {
			return err
		}
	}

	if err := s.Delete(ctx, path, AnyVersion); err != nil && !errors.Is(err, ErrNoNode) {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}
