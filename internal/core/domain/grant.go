package domain

import "time"

type DownloadGrant struct {
	OrderID       string
	CatalogItemID string
	CustomerEmail string
	CreatedAt     time.Time
}

// Download is a grant joined with the catalog fields a client needs to fetch it.
type Download struct {
	CatalogItemID string
	Title         string
	PreviewURL    string
	Link          string
	LinkExpiresAt time.Time
}
