package domain

import (
	"context"
	"io"
	"time"
)

// Notifier is the notification sink called after every state transition that
// affects a party. Implementations own delivery and persistence.
type Notifier interface {
	Notify(ctx context.Context, accountID string, n Notification) error
}

// ExperienceSink credits XP and re-checks achievement thresholds after trade
// and market settlements. Thresholds live outside the core.
type ExperienceSink interface {
	CreditExperience(ctx context.Context, accountID string, amount int64) error
	RecheckAchievements(ctx context.Context, accountID string) error
}

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobReader retrieves data from object storage.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver moves old exchange history from the database to cold storage.
type Archiver interface {
	ArchiveTrades(ctx context.Context, before time.Time) (int64, error)
	ArchiveAudit(ctx context.Context, before time.Time) (int64, error)
}
