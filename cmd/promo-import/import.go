package main

import (
	"bufio"
	"context"
	"math/bits"
	"os"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/bistro/internal/domain/promo"
)

// Sink stores a batch of promo codes and reports how many rows changed.
type Sink func(ctx context.Context, codes []promo.Code) (int64, error)

// Importer loads promo codes from gzipped CSV files. A code present in more
// than one file is taken from the first file that lists it.
type Importer struct {
	lg        *zap.Logger
	expected  uint
	fpr       float64
	batchSize int
	sink      Sink
}

// Stats summarizes an import run.
type Stats struct {
	Read       int64
	Duplicates int64
	Written    int64
}

// Run performs three passes over files: per-file bloom filters, exact
// confirmation of cross-file candidates, then the upsert.
func (im *Importer) Run(ctx context.Context, files []string) (Stats, error) {
	filters, err := im.buildFilters(ctx, files)
	if err != nil {
		return Stats{}, errors.Wrap(err, "build bloom filters")
	}
	owners, err := im.resolveDuplicates(ctx, files, filters)
	if err != nil {
		return Stats{}, errors.Wrap(err, "resolve duplicates")
	}
	im.lg.Info("Duplicates resolved", zap.Int("codes", len(owners)))

	return im.write(ctx, files, owners)
}

func (im *Importer) buildFilters(ctx context.Context, files []string) ([]*bloom.BloomFilter, error) {
	filters := make([]*bloom.BloomFilter, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			f := bloom.NewWithEstimates(im.expected, im.fpr)
			n, err := streamCodes(ctx, path, func(c promo.Code) error {
				f.AddString(c.Code)
				return nil
			})
			if err != nil {
				return err
			}
			im.lg.Info("Filter built", zap.String("file", path), zap.Int("codes", n))
			filters[i] = f
			return nil
		})
	}
	return filters, g.Wait()
}

// resolveDuplicates returns, for every code that really appears in more than
// one file, the index of the first such file. Bloom hits only nominate
// candidates; the per-file bitmasks confirm them exactly.
func (im *Importer) resolveDuplicates(ctx context.Context, files []string, filters []*bloom.BloomFilter) (map[string]int, error) {
	candidates := make([]map[string]uint, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			found := make(map[string]uint)
			bit := uint(1) << uint(i)
			_, err := streamCodes(ctx, path, func(c promo.Code) error {
				for j, f := range filters {
					if j != i && f.TestString(c.Code) {
						found[c.Code] |= bit
						break
					}
				}
				return nil
			})
			candidates[i] = found
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(map[string]uint)
	for _, found := range candidates {
		for code, mask := range found {
			merged[code] |= mask
		}
	}
	owners := make(map[string]int)
	for code, mask := range merged {
		if bits.OnesCount(mask) >= 2 {
			owners[code] = bits.TrailingZeros(mask)
		}
	}
	return owners, nil
}

func (im *Importer) write(ctx context.Context, files []string, owners map[string]int) (Stats, error) {
	var read, dups, written atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	for i, path := range files {
		g.Go(func() error {
			batch := make([]promo.Code, 0, im.batchSize)
			flush := func() error {
				if len(batch) == 0 {
					return nil
				}
				n, err := im.sink(ctx, batch)
				if err != nil {
					return errors.Wrapf(err, "write batch from %s", path)
				}
				written.Add(n)
				batch = batch[:0]
				return nil
			}

			if _, err := streamCodes(ctx, path, func(c promo.Code) error {
				read.Add(1)
				if owner, ok := owners[c.Code]; ok && owner != i {
					dups.Add(1)
					return nil
				}
				batch = append(batch, c)
				if len(batch) >= im.batchSize {
					return flush()
				}
				return nil
			}); err != nil {
				return err
			}
			return flush()
		})
	}
	err := g.Wait()
	return Stats{Read: read.Load(), Duplicates: dups.Load(), Written: written.Load()}, err
}

// streamCodes decompresses path and calls fn for each parsed code.
func streamCodes(ctx context.Context, path string, fn func(promo.Code) error) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return 0, errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	var (
		scanner = bufio.NewScanner(gz)
		lineNo  int
		count   int
	)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		lineNo++
		c, skip, err := parseLine(scanner.Text())
		if err != nil {
			return count, errors.Wrapf(err, "%s:%d", path, lineNo)
		}
		if skip {
			continue
		}
		if err := fn(c); err != nil {
			return count, err
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, errors.Wrapf(err, "scan %s", path)
	}
	return count, nil
}
