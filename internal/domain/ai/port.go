package ai

import "context"

type Client interface {
	Analyze(ctx context.Context, reportJSON string) (string, error)
}
