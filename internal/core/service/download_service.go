package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rl1809/asset-store/internal/core/domain"
	"github.com/rl1809/asset-store/internal/port"
)

const downloadLinkIssuer = "assetstore"

var errInvalidLink = fmt.Errorf("%w: invalid or expired download link", domain.ErrAuthentication)

type downloadClaims struct {
	OrderID string `json:"oid"`
	ItemID  string `json:"iid"`
	jwt.RegisteredClaims
}

// DownloadService exchanges a download token for short-lived signed links to
// the purchased assets.
type DownloadService struct {
	db      port.LedgerRepository
	key     []byte
	linkTTL time.Duration
	now     func() time.Time
}

func NewDownloadService(db port.LedgerRepository, signingKey []byte, linkTTL time.Duration) *DownloadService {
	return &DownloadService{db: db, key: signingKey, linkTTL: linkTTL, now: time.Now}
}

// ListDownloads returns one signed link per grant of the order owning token.
// An order that is not PAID yet has no downloads.
func (s *DownloadService) ListDownloads(ctx context.Context, token string) ([]domain.Download, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: token required", domain.ErrValidation)
	}

	now := s.now().UTC()
	orders, err := s.db.FindOrders(ctx, domain.OrderFilter{Token: token}, now)
	if err != nil {
		return nil, fmt.Errorf("%w: find order: %v", domain.ErrPersistence, err)
	}
	if len(orders) == 0 {
		return nil, fmt.Errorf("%w: order not found", domain.ErrNotFound)
	}

	order := orders[0]
	if order.Status != domain.OrderStatusPaid {
		return []domain.Download{}, nil
	}

	grants, err := s.db.ListGrants(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: list grants: %v", domain.ErrPersistence, err)
	}

	items := make(map[string]domain.OrderItem, len(order.Items))
	for _, item := range order.Items {
		items[item.CatalogItemID] = item
	}

	expiresAt := now.Add(s.linkTTL)
	downloads := make([]domain.Download, 0, len(grants))
	for _, grant := range grants {
		link, err := s.signLink(grant, now, expiresAt)
		if err != nil {
			return nil, err
		}
		item := items[grant.CatalogItemID]
		downloads = append(downloads, domain.Download{
			CatalogItemID: grant.CatalogItemID,
			Title:         item.Title,
			PreviewURL:    item.PreviewURL,
			Link:          link,
			LinkExpiresAt: expiresAt,
		})
	}
	return downloads, nil
}

func (s *DownloadService) signLink(grant domain.DownloadGrant, now, expiresAt time.Time) (string, error) {
	claims := downloadClaims{
		OrderID: grant.OrderID,
		ItemID:  grant.CatalogItemID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    downloadLinkIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign download link: %w", err)
	}
	return signed, nil
}

// ResolveDownload validates a signed link and returns the asset URL it grants.
func (s *DownloadService) ResolveDownload(ctx context.Context, link string) (string, error) {
	var claims downloadClaims
	_, err := jwt.ParseWithClaims(link, &claims, func(*jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(downloadLinkIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || claims.OrderID == "" || claims.ItemID == "" {
		return "", errInvalidLink
	}

	grant, err := s.db.GetGrant(ctx, claims.OrderID, claims.ItemID)
	if err != nil {
		return "", fmt.Errorf("%w: load grant: %v", domain.ErrPersistence, err)
	}
	if grant == nil {
		return "", fmt.Errorf("%w: no download grant", domain.ErrNotFound)
	}

	catalog, err := s.db.GetCatalogItems(ctx, []string{claims.ItemID})
	if err != nil {
		return "", fmt.Errorf("%w: load catalog item: %v", domain.ErrPersistence, err)
	}
	item, ok := catalog[claims.ItemID]
	if !ok || item.FullResURL == "" {
		return "", fmt.Errorf("%w: asset %s has no file", domain.ErrNotFound, claims.ItemID)
	}
	return item.FullResURL, nil
}
