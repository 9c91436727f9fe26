package domain

type CatalogItem struct {
	ID         string
	Title      string
	PreviewURL string
	FullResURL string
	Price      int64
	Active     bool
}

type CartLine struct {
	CatalogItemID string
	Quantity      int
}

// Snapshot is a priced cart. Items carry the unit price read once from the
// catalog; TotalAmount is their sum.
type Snapshot struct {
	Items       []OrderItem
	TotalAmount int64
}
