// Command seed-catalog loads products into the catalogue and registers API
// principals. It reads a JSON product file (plain or gzip-compressed) and
// applies migrations before seeding, so it can bootstrap an empty database.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"

	"github.com/petalmarket/checkout/internal/domain/auth"
	"github.com/petalmarket/checkout/internal/domain/order"
	"github.com/petalmarket/checkout/internal/repository"
)

type productJSON struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

type principalSeed struct {
	key    string
	name   string
	email  string
	staff  bool
	vendor bool
}

func main() {
	var (
		databaseURL  string
		productsFile string
		userKey      string
		staffKey     string
		vendorKey    string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&productsFile, "products-file", "db/seed/products.json", "path to products JSON file (.json or .json.gz)")
	flag.StringVar(&userKey, "user-key", "", "retail API key to seed (or CHECKOUT_SEED_USER_KEY env)")
	flag.StringVar(&staffKey, "staff-key", "", "staff API key to seed (or CHECKOUT_SEED_STAFF_KEY env)")
	flag.StringVar(&vendorKey, "vendor-key", "", "vendor API key to seed (or CHECKOUT_SEED_VENDOR_KEY env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}
	if userKey == "" {
		userKey = os.Getenv("CHECKOUT_SEED_USER_KEY")
	}
	if staffKey == "" {
		staffKey = os.Getenv("CHECKOUT_SEED_STAFF_KEY")
	}
	if vendorKey == "" {
		vendorKey = os.Getenv("CHECKOUT_SEED_VENDOR_KEY")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	principals := []principalSeed{
		{key: userKey, name: "Seed user", email: "user@example.com"},
		{key: staffKey, name: "Seed staff", email: "staff@example.com", staff: true},
		{key: vendorKey, name: "Seed vendor", email: "vendor@example.com", vendor: true},
	}

	if err := run(ctx, databaseURL, productsFile, principals); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, productsFile string, principals []principalSeed) error {
	slog.Info("connecting to database")

	pool, err := repository.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := seedProducts(ctx, repository.NewCatalogRepository(pool), productsFile); err != nil {
		return errors.Wrap(err, "seed products")
	}

	if err := seedPrincipals(ctx, repository.NewPrincipalRepository(pool), principals); err != nil {
		return errors.Wrap(err, "seed principals")
	}

	return nil
}

func seedProducts(ctx context.Context, catalog *repository.CatalogRepository, productsFile string) error {
	slog.Info("reading products file", slog.String("path", productsFile))

	products, err := readProducts(productsFile)
	if err != nil {
		return err
	}

	slog.Info("upserting products", slog.Int("count", len(products)))

	for _, p := range products {
		if err := catalog.Upsert(ctx, order.Product{
			ID:    p.ID,
			Name:  p.Name,
			Price: p.Price,
		}); err != nil {
			return errors.Wrapf(err, "upsert product %s", p.ID)
		}

		slog.Info("upserted product", slog.String("id", p.ID), slog.String("name", p.Name))
	}

	return nil
}

func readProducts(path string) ([]productJSON, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open products file")
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return nil, errors.Wrap(err, "open gzip stream")
		}
		defer gz.Close()
		r = gz
	}

	var products []productJSON
	if err := json.NewDecoder(r).Decode(&products); err != nil {
		return nil, errors.Wrap(err, "parse products JSON")
	}

	return products, nil
}

func seedPrincipals(ctx context.Context, repo *repository.PrincipalRepository, seeds []principalSeed) error {
	for _, s := range seeds {
		if s.key == "" {
			continue
		}

		sum := sha256.Sum256([]byte(s.key))
		hash := hex.EncodeToString(sum[:])

		if err := repo.Upsert(ctx, hash, auth.Principal{
			Name:   s.name,
			Email:  s.email,
			Staff:  s.staff,
			Vendor: s.vendor,
		}); err != nil {
			return errors.Wrapf(err, "upsert principal %s", s.name)
		}

		slog.Info("upserted principal",
			slog.String("name", s.name),
			slog.Bool("staff", s.staff),
			slog.Bool("vendor", s.vendor))
	}

	return nil
}
