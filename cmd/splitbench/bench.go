package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"splitmap"
)

type benchOptions struct {
	workers  int
	entries  int
	stages   int
	keySpace uint64
	seed     uint64
}

func (o benchOptions) validate() error {
	if o.workers <= 0 {
		return errors.New("workers must be greater than 0")
	}
	if o.entries < o.workers {
		return errors.New("entries must be at least the number of workers")
	}
	if o.stages <= 0 {
		return errors.New("stages must be greater than 0")
	}
	if o.keySpace == 0 {
		return errors.New("key-space must be greater than 0")
	}
	return nil
}

type bench struct {
	cfg    splitmap.Config
	opts   benchOptions
	logger log.Logger
	reg    *prometheus.Registry
	out    io.Writer
}

type timings struct {
	populate time.Duration
	fuzz     time.Duration
}

// op is one unit of work against a table; i counts the worker's operations.
type op func(w *splitmap.Worker, r *rand.Rand, i int)

func (b *bench) run(ctx context.Context, fuzz bool) error {
	modes := []splitmap.ValueProtection{splitmap.ProtectLongLived, splitmap.ProtectCopy}

	for _, mode := range modes {
		var total timings
		for stage := 0; stage < b.opts.stages; stage++ {
			level.Info(b.logger).Log("msg", "running stage", "mode", mode, "stage", stage+1, "of", b.opts.stages, "fuzz", fuzz)

			t, err := b.stage(ctx, mode, stage, fuzz)
			if err != nil {
				return err
			}
			total.populate += t.populate
			total.fuzz += t.fuzz
		}
		b.report(mode, total, fuzz)
	}
	return nil
}

func (b *bench) stage(ctx context.Context, mode splitmap.ValueProtection, stage int, fuzz bool) (timings, error) {
	cfg := b.cfg
	cfg.ValueProtection = mode

	var reg prometheus.Registerer
	if b.reg != nil {
		reg = prometheus.WrapRegistererWith(prometheus.Labels{
			"mode":  mode.String(),
			"stage": strconv.Itoa(stage),
		}, b.reg)
	}

	table, err := splitmap.New[uint64](cfg, b.logger, reg)
	if err != nil {
		return timings{}, err
	}
	defer func() {
		if err := table.Destroy(); err != nil {
			level.Warn(b.logger).Log("msg", "failed to destroy table", "err", err)
		}
	}()

	var t timings
	seed := b.opts.seed + uint64(stage)

	t.populate, err = b.phase(ctx, table, seed, func(w *splitmap.Worker, r *rand.Rand, _ int) {
		table.Insert(w, r.Uint64N(b.opts.keySpace), r.Uint64())
	})
	if err != nil {
		return t, err
	}
	level.Debug(b.logger).Log("msg", "populated", "entries", table.Len(), "buckets", table.Size())

	if !fuzz {
		return t, nil
	}

	t.fuzz, err = b.phase(ctx, table, seed<<1, func(w *splitmap.Worker, r *rand.Rand, i int) {
		key := r.Uint64N(b.opts.keySpace)
		if i%2 == 1 {
			table.Find(w, key)
		} else {
			table.Delete(w, key)
		}
		w.Clear()
	})
	if err != nil {
		return t, err
	}
	level.Debug(b.logger).Log("msg", "fuzzed", "entries", table.Len(), "retired", table.Retired(), "swept", table.Sweep(nil))
	return t, nil
}

// phase runs opts.entries operations split over opts.workers goroutines
// and returns the wall time taken.
func (b *bench) phase(ctx context.Context, table *splitmap.Table[uint64], seed uint64, fn op) (time.Duration, error) {
	g, ctx := errgroup.WithContext(ctx)
	per := b.opts.entries / b.opts.workers

	start := time.Now()
	for id := 0; id < b.opts.workers; id++ {
		g.Go(func() error {
			r := rand.New(rand.NewPCG(seed, uint64(id)))
			w := table.Worker()
			defer w.Release()

			for i := 0; i < per; i++ {
				if i%1024 == 0 && ctx.Err() != nil {
					return ctx.Err()
				}
				fn(w, r, i)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func (b *bench) report(mode splitmap.ValueProtection, total timings, fuzz bool) {
	stages := time.Duration(b.opts.stages)
	populate := total.populate / stages
	ops := int64(float64(b.opts.entries) / populate.Seconds())

	fmt.Fprintf(b.out, "%-10s populate %-12v %s ops/s\n", mode, populate, humanize.Comma(ops))
	if fuzz {
		f := total.fuzz / stages
		fops := int64(float64(b.opts.entries) / f.Seconds())
		fmt.Fprintf(b.out, "%-10s fuzz     %-12v %s ops/s\n", mode, f, humanize.Comma(fops))
	}
}
