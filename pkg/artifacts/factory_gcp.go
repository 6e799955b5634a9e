//go:build gcp

package artifacts

import "context"

func newGCSStore(ctx context.Context, opts GCSOptions) (Store, error) {
	return NewGCSStore(ctx, opts)
}
