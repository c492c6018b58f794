package domain

import "time"

// Release is one promoted version. The newest non-superseded row is the
// good-version pointer; the row it superseded is the rollback target.
type Release struct {
	ID           string
	Version      string
	InstanceID   string
	InstanceURL  string
	PromotedAt   time.Time
	SupersededAt *time.Time
}

// Instance identifies a running copy of the service on the hosting platform.
type Instance struct {
	ID      string
	Version string
	BaseURL string
}
