package payload

import (
	"context"
	"fmt"

	"github.com/commonprefix/mock-gmp-api/pkg/store"
)

// Backend names for the payload store factory.
const (
	BackendSQL = "sql"
	BackendS3  = "s3"
)

// New creates the configured payload store backend. The SQL backend shares
// the database handle with the other stores; S3 is for setups that want
// payload bytes out of the database.
func New(ctx context.Context, backend string, db *store.DB, s3cfg S3Config) (Store, error) {
	switch backend {
	case "", BackendSQL:
		return NewSQLStore(db)
	case BackendS3:
		if s3cfg.Bucket == "" {
			return nil, fmt.Errorf("payload backend s3 requires a bucket")
		}
		return NewS3Store(ctx, s3cfg)
	default:
		return nil, fmt.Errorf("unsupported payload backend %q", backend)
	}
}
