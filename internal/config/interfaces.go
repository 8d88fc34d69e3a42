package config

import "context"

// SecretProvider resolves secret values by path: SSM Parameter Store in
// deployed environments, environment variables locally.
type SecretProvider interface {
	// GetParametersBatch returns the values of the keys it could resolve.
	// Implementations batch and retry internally.
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
