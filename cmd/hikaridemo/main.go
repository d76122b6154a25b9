// Command hikaridemo stands up a HikariPool against an in-memory fake
// driver and drives a synthetic borrow/release workload, to exercise the
// pool, housekeeper and metrics stack end to end without a real database.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jasonkayzk/hikaripool"
	"github.com/jasonkayzk/hikaripool/config"
	"github.com/jasonkayzk/hikaripool/factory"
)

var log = logrus.WithField("component", "hikaridemo")

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.WithError(err).Error("hikaridemo failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "hikaridemo",
		Short: "Drive a HikariPool-style connection pool against an in-memory fake driver",
	}
	root.AddCommand(newRunCmd(), newStatsCmd())
	return root
}

type demoFlags struct {
	maxPoolSize   int
	minIdle       int
	borrowers     int
	iterations    int
	workDuration  time.Duration
	failOpens     int
	maxLifetime   time.Duration
	idleTimeout   time.Duration
	connTimeout   time.Duration
	registerStats bool
}

func bindDemoFlags(cmd *cobra.Command, f *demoFlags) {
	cmd.Flags().IntVar(&f.maxPoolSize, "max-pool-size", 10, "maximum pool size")
	cmd.Flags().IntVar(&f.minIdle, "min-idle", 10, "minimum idle connections")
	cmd.Flags().IntVar(&f.borrowers, "borrowers", 20, "number of concurrent borrower goroutines")
	cmd.Flags().IntVar(&f.iterations, "iterations", 50, "borrow/release iterations per borrower")
	cmd.Flags().DurationVar(&f.workDuration, "work", 5*time.Millisecond, "simulated time holding each connection")
	cmd.Flags().IntVar(&f.failOpens, "fail-opens", 0, "number of initial factory.Open calls to simulate as failures")
	cmd.Flags().DurationVar(&f.maxLifetime, "max-lifetime", 30*time.Second, "connection max lifetime")
	cmd.Flags().DurationVar(&f.idleTimeout, "idle-timeout", 10*time.Second, "idle eviction threshold")
	cmd.Flags().DurationVar(&f.connTimeout, "conn-timeout", 5*time.Second, "GetConnection acquisition timeout")
	cmd.Flags().BoolVar(&f.registerStats, "metrics", true, "wire a PrometheusSink instead of the no-op sink")
}

func (f *demoFlags) buildConfig() (*config.Config, error) {
	return config.New(
		config.WithPoolName("hikaridemo"),
		config.WithMaximumPoolSize(f.maxPoolSize),
		config.WithMinimumIdle(f.minIdle),
		config.WithMaxLifetime(f.maxLifetime),
		config.WithIdleTimeout(f.idleTimeout),
		config.WithConnectionTimeout(f.connTimeout),
		config.WithRegisterMetrics(f.registerStats),
	)
}

func newStatsCmd() *cobra.Command {
	f := &demoFlags{}
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Build the pool configuration from flags, validate it, and print it without running a workload",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.buildConfig()
			if err != nil {
				return err
			}
			fmt.Printf("pool=%s maxPoolSize=%d minIdle=%d maxLifetime=%s idleTimeout=%s connectionTimeout=%s\n",
				cfg.PoolName, cfg.MaximumPoolSize, cfg.MinimumIdle, cfg.MaxLifetime, cfg.IdleTimeout, cfg.ConnectionTimeout)
			return nil
		},
	}
	bindDemoFlags(cmd, f)
	return cmd
}

func newRunCmd() *cobra.Command {
	f := &demoFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Stand up a pool and drive a concurrent borrow/release workload against it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkload(cmd.Context(), f)
		},
	}
	bindDemoFlags(cmd, f)
	return cmd
}

func runWorkload(ctx context.Context, f *demoFlags) error {
	cfg, err := f.buildConfig()
	if err != nil {
		return err
	}

	fct := factory.NewFlakyFactory(f.failOpens, 0)
	pool, err := hikari.New(cfg, fct, nil)
	if err != nil {
		return errors.Wrap(err, "starting pool")
	}
	defer func() {
		if err := pool.Close(); err != nil {
			log.WithError(err).Warn("error closing pool")
		}
	}()

	log.WithField("pool", cfg.PoolName).Infof(
		"driving %d borrowers x %d iterations against maxPoolSize=%d", f.borrowers, f.iterations, f.maxPoolSize)

	var wg sync.WaitGroup
	var failures int64
	var mu sync.Mutex

	start := time.Now()
	for i := 0; i < f.borrowers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			borrowerCtx := hikari.WithBorrowerToken(ctx, fmt.Sprintf("borrower-%d", id))
			for j := 0; j < f.iterations; j++ {
				if err := borrowOnce(borrowerCtx, pool, f.workDuration); err != nil {
					mu.Lock()
					failures++
					mu.Unlock()
					log.WithError(err).WithField("borrower", id).Debug("borrow failed")
				}
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	fmt.Printf("completed %d borrow/release cycles in %s (%d failures)\n",
		f.borrowers*f.iterations, elapsed, failures)
	fmt.Printf("final counts: active=%d idle=%d total=%d waiting=%d lastFailure=%v\n",
		pool.ActiveConnections(), pool.IdleConnections(), pool.TotalConnections(),
		pool.ThreadsAwaitingConnection(), pool.LastConnectionFailure())

	return nil
}

func borrowOnce(ctx context.Context, pool *hikari.HikariPool, work time.Duration) error {
	conn, err := pool.GetConnection(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if work > 0 {
		jitter := time.Duration(rand.Int63n(int64(work) + 1))
		time.Sleep(jitter)
	}

	if err := conn.PingContext(ctx); err != nil {
		return err
	}
	return nil
}
