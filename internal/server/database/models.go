package database

import "time"

// AliasKind selects one of the two independent alias namespaces.
type AliasKind int

const (
	AliasShort AliasKind = iota
	AliasLong
)

func (k AliasKind) String() string {
	if k == AliasLong {
		return "long"
	}
	return "short"
}

func (k AliasKind) column() string {
	if k == AliasLong {
		return "long_alias"
	}
	return "short_alias"
}

// Upload represents a stored file in the database.
type Upload struct {
	ID                 string
	ShortAlias         string // empty when absent
	LongAlias          string // empty when absent
	Origin             string
	Filename           string
	Size               int64
	CreatedAt          time.Time
	ExpiresAt          time.Time
	DownloadsRemaining *int // nil means unlimited
	AdminTokenHash     string
}

// LiveAt reports whether the upload may still be served at now.
// It is the Go rendition of liveCondition and the two must agree.
func (u *Upload) LiveAt(now time.Time) bool {
	if !now.Before(u.ExpiresAt) {
		return false
	}
	return u.DownloadsRemaining == nil || *u.DownloadsRemaining > 0
}

func (u *Upload) clone() *Upload {
	c := *u
	if u.DownloadsRemaining != nil {
		n := *u.DownloadsRemaining
		c.DownloadsRemaining = &n
	}
	return &c
}

// Usage is the size and file count of a set of live uploads.
type Usage struct {
	Bytes int64
	Count int64
}

// Stats holds aggregate server statistics.
type Stats struct {
	TotalUploads  int64
	ActiveUploads int64
	StorageUsed   int64
}

// AdmitFunc decides whether an upload may be inserted given the current
// live usage of its origin and of the whole store.
type AdmitFunc func(origin, global Usage) error
