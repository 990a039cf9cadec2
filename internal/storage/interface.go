package storage

import (
	"context"
	"fmt"
	"time"
)

// RawArchive stores opaque upstream payload batches outside the database
type RawArchive interface {
	Store(ctx context.Context, name string, data []byte) error
}

// RawArchiveKey is the blob name for one fetched batch of a source
func RawArchiveKey(tenantID, sourceID string, at time.Time) string {
	return fmt.Sprintf("raw/%s/%s/%s.json", tenantID, sourceID, at.UTC().Format("20060102T150405Z"))
}
