package selectormap

import "context"

// Repository holds the per-account task-group to selectors category map.
type Repository interface {
	Get(ctx context.Context, accountID, group string) ([]string, error)
	Put(ctx context.Context, accountID, group string, selectors []string) error
}
