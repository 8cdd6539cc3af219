package inventory

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// CatalogItem is one entry of the seed file. Price stays a string so the
// decimal is parsed exactly.
type CatalogItem struct {
	ProductID   string `yaml:"productId"`
	ProductName string `yaml:"productName"`
	Available   int    `yaml:"available"`
	Price       string `yaml:"price"`
}

type Catalog struct {
	Products []CatalogItem `yaml:"products"`
}

func DefaultCatalog() Catalog {
	return Catalog{Products: []CatalogItem{
		{ProductID: "prod001", ProductName: "Laptop", Available: 50, Price: "999.99"},
		{ProductID: "prod002", ProductName: "Mouse", Available: 200, Price: "25.50"},
	}}
}

// LoadCatalog reads a YAML catalog. An empty path yields DefaultCatalog.
func LoadCatalog(path string) (Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("read catalog: %w", err)
	}
	return ParseCatalog(b)
}

func ParseCatalog(b []byte) (Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Catalog{}, fmt.Errorf("parse catalog: %w", err)
	}
	for _, p := range c.Products {
		if p.ProductID == "" {
			return Catalog{}, fmt.Errorf("parse catalog: product without id")
		}
		if p.Available < 0 {
			return Catalog{}, fmt.Errorf("parse catalog: %s: negative quantity", p.ProductID)
		}
		if _, err := decimal.NewFromString(p.Price); err != nil {
			return Catalog{}, fmt.Errorf("parse catalog: %s: price %q: %w", p.ProductID, p.Price, err)
		}
	}
	return c, nil
}

// Seed inserts the catalog when the ledger is empty and reports how many rows it wrote.
func Seed(ctx context.Context, ledger Ledger, c Catalog, log *zap.Logger) (int, error) {
	n, err := ledger.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count inventory: %w", err)
	}
	if n > 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	for _, p := range c.Products {
		price, err := decimal.NewFromString(p.Price)
		if err != nil {
			return 0, fmt.Errorf("seed %s: %w", p.ProductID, err)
		}
		if _, err := ledger.Save(ctx, ProductInventory{
			ProductID:         p.ProductID,
			ProductName:       p.ProductName,
			AvailableQuantity: p.Available,
			Price:             price,
			UpdatedAt:         now,
		}); err != nil {
			return 0, fmt.Errorf("seed %s: %w", p.ProductID, err)
		}
	}
	if log != nil {
		log.Info("inventory seeded", zap.Int("products", len(c.Products)))
	}
	return len(c.Products), nil
}
