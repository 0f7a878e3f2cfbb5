// Command shielddemo runs a handful of transactional scenarios against an
// in-memory Runtime, then optionally serves diagnostics and a live commit
// feed over HTTP. Flag layout follows cmd/server's style: flat, flag.*-based,
// no subcommands.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/go-chi/chi/v5"

	"github.com/mnohosten/shielded/pkg/shielded"
	"github.com/mnohosten/shielded/pkg/shielded/cellkit"
	"github.com/mnohosten/shielded/pkg/shielded/diag"
	"github.com/mnohosten/shielded/pkg/shielded/sched"
	"github.com/mnohosten/shielded/pkg/shielded/stream"
)

func main() {
	addr := flag.String("addr", ":8090", "address to serve diagnostics and the commit feed on")
	namespace := flag.String("namespace", "shielded", "Prometheus metric namespace")
	trimCron := flag.String("trim-cron", "@every 5s", "CRON expression for the scheduled trim pass")
	serve := flag.Bool("serve", false, "after running the demo scenarios, serve HTTP diagnostics until interrupted")
	workers := flag.Int("workers", 8, "number of concurrent goroutines in the write-write conflict scenario")
	flag.Parse()

	broadcaster := stream.New()
	rt := shielded.NewRuntime(
		shielded.WithPostCommitRegistry(broadcaster),
		shielded.WithMaxRetries(1000),
	)

	fmt.Println("== scenario: write-write conflict ==")
	runConflictScenario(rt, *workers)

	fmt.Println("== scenario: commute ordering ==")
	runCommuteScenario(rt)

	fmt.Println("== scenario: conditional firing ==")
	runConditionalScenario(rt)

	if !*serve {
		return
	}

	trimmer, err := sched.New(rt, *trimCron)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start trimmer: %v\n", err)
		os.Exit(1)
	}
	trimmer.Start()
	defer trimmer.Stop()

	router := chi.NewRouter()
	diagServer := diag.New(rt, *namespace)
	router.Mount("/", diagServer)
	broadcaster.Mount(router)

	httpSrv := &http.Server{Addr: *addr, Handler: router}

	fmt.Printf("serving diagnostics on http://%s (_health, _stats, _metrics, _ws/watch)\n", *addr)

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	case <-sigCh:
		fmt.Println("shutting down")
		httpSrv.Shutdown(context.Background())
	}
}

// runConflictScenario has workers goroutines race to increment a single
// shared counter a fixed number of times each via a normal (non-commuted)
// read-modify-write transaction, demonstrating commit-time conflict
// detection and retry: the final value must equal the sum of every
// increment, with no increments lost to a missed conflict.
func runConflictScenario(rt *shielded.Runtime, workers int) {
	counter := cellkit.NewRef(0)
	const incrementsPerWorker = 50

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < incrementsPerWorker; j++ {
				err := rt.InTransaction(context.Background(), func(ctx context.Context) error {
					v, err := counter.Get(ctx)
					if err != nil {
						return err
					}
					return counter.Set(ctx, v+1)
				})
				if err != nil {
					fmt.Fprintf(os.Stderr, "increment failed: %v\n", err)
				}
			}
		}()
	}
	wg.Wait()

	err := rt.InTransaction(context.Background(), func(ctx context.Context) error {
		v, err := counter.Get(ctx)
		if err != nil {
			return err
		}
		want := workers * incrementsPerWorker
		if v != want {
			return fmt.Errorf("counter = %d, want %d", v, want)
		}
		fmt.Printf("counter settled at %d after %d concurrent incrementers\n", v, workers)
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "conflict scenario failed: %v\n", err)
	}
}

// runCommuteScenario enlists an increment as a commute rather than a direct
// read-modify-write: the commute runs at commit time against the latest
// committed value, and degenerates into an ordinary write if the enclosing
// transaction has already touched the cell directly. If another commit lands
// on the cell between a commute's execution and its validation, the whole
// transaction is retried and the commute runs again, so concurrent commuters
// on one cell can still cause retries.
func runCommuteScenario(rt *shielded.Runtime) {
	total := cellkit.NewRef(0)
	const commuters = 20

	var wg sync.WaitGroup
	for i := 0; i < commuters; i++ {
		wg.Add(1)
		go func(delta int) {
			defer wg.Done()
			err := rt.InTransaction(context.Background(), func(ctx context.Context) error {
				return shielded.EnlistCommute(ctx, func(ctx context.Context) error {
					v, err := total.Get(ctx)
					if err != nil {
						return err
					}
					return total.Set(ctx, v+delta)
				}, map[shielded.Cell]struct{}{total: {}})
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "commute failed: %v\n", err)
			}
		}(i + 1)
	}
	wg.Wait()

	err := rt.InTransaction(context.Background(), func(ctx context.Context) error {
		v, err := total.Get(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("commuted total settled at %d across %d commuters\n", v, commuters)
		return nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "commute scenario failed: %v\n", err)
	}
}

// runConditionalScenario registers a Conditional that fires every time a
// cell commits while its value is even, then commits a sequence of values
// to show it firing repeatedly rather than just once.
func runConditionalScenario(rt *shielded.Runtime) {
	flagCell := cellkit.NewRef(0)
	var fired int

	rt.Conditional(func() bool {
		return flagCell.Peek()%2 == 0
	}, func() {
		fired++
	})

	for _, v := range []int{1, 2, 3, 4, 5} {
		err := rt.InTransaction(context.Background(), func(ctx context.Context) error {
			return flagCell.Set(ctx, v)
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "conditional scenario failed: %v\n", err)
			return
		}
	}
	fmt.Printf("conditional fired %d times across 5 commits\n", fired)
}
