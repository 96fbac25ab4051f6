// Command promo-import bulk loads promo codes from gzipped CSV files with
// lines of the form code,type,value,min_cents,max_uses.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"slices"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/bistro/internal/repository"
)

func main() {
	var (
		dataDir     string
		databaseURL string
		expected    uint
		fpr         float64
		batchSize   int
	)
	flag.StringVar(&dataDir, "data-dir", "data", "directory containing *.csv.gz promo files")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.UintVar(&expected, "expected", 1_000_000, "expected number of codes per file")
	flag.Float64Var(&fpr, "fpr", 0.001, "bloom filter false positive rate")
	flag.IntVar(&batchSize, "batch", 1000, "codes per database batch")
	flag.Parse()

	lg, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, dataDir, databaseURL, expected, fpr, max(batchSize, 1)); err != nil {
		lg.Fatal("Promo import failed", zap.Error(err))
	}
}

func run(ctx context.Context, lg *zap.Logger, dataDir, databaseURL string, expected uint, fpr float64, batchSize int) error {
	files, err := filepath.Glob(filepath.Join(dataDir, "*.csv.gz"))
	if err != nil {
		return errors.Wrap(err, "list promo files")
	}
	if len(files) == 0 {
		return errors.Errorf("no *.csv.gz files in %s", dataDir)
	}
	if len(files) > 64 {
		return errors.Errorf("at most 64 files per run, got %d", len(files))
	}
	// Earlier files win duplicates, so the order must be stable.
	slices.Sort(files)

	pool, err := repository.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	promos := repository.NewPromoRepository(pool)
	im := &Importer{
		lg:        lg,
		expected:  expected,
		fpr:       fpr,
		batchSize: batchSize,
		sink:      promos.Upsert,
	}
	stats, err := im.Run(ctx, files)
	if err != nil {
		return err
	}
	lg.Info("Promo import completed",
		zap.Int("files", len(files)),
		zap.Int64("read", stats.Read),
		zap.Int64("duplicates", stats.Duplicates),
		zap.Int64("written", stats.Written),
	)
	return nil
}
