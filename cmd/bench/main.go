// Command bench runs a synthetic herd workload against a live memcached
// and exposes a Prometheus metrics endpoint and an optional pprof
// endpoint.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/IvanBrykalov/memherd/herd"
	"github.com/IvanBrykalov/memherd/memcache"
	pmet "github.com/IvanBrykalov/memherd/metrics/prom"
)

func main() {
	// ---- Flags ----
	var (
		addr = flag.String("addr", "localhost:11211", "memcached address")

		workers  = flag.Int("workers", 2*runtime.GOMAXPROCS(0), "number of worker goroutines")
		duration = flag.Duration("duration", 10*time.Second, "benchmark duration")

		keys  = flag.Int("keys", 10_000, "keyspace size")
		zipfS = flag.Float64("zipf_s", 1.1, "Zipf s > 1 (skew)")
		zipfV = flag.Float64("zipf_v", 1.0, "Zipf v")
		seed  = flag.Int64("seed", time.Now().UnixNano(), "random seed")

		expiration  = flag.Duration("expiration", 5*time.Second, "value freshness window")
		computeTime = flag.Duration("compute_time", 500*time.Millisecond, "declared compute-time bound")
		computeCost = flag.Duration("compute_cost", 50*time.Millisecond, "simulated backing-store latency")
		wait        = flag.Duration("wait", 0, "waiter sleep (0 = derive from compute_time)")

		pprofAddr   = flag.String("pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
		metricsAddr = flag.String("http", ":8080", "serve Prometheus metrics at addr")
		verbose     = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if !*verbose {
		log = log.Level(zerolog.InfoLevel)
	}

	// ---- pprof server (on DefaultServeMux) ----
	if *pprofAddr != "" {
		go func() {
			log.Info().Str("addr", *pprofAddr).Msg("serving pprof")
			log.Err(http.ListenAndServe(*pprofAddr, nil)).Msg("pprof server stopped")
		}()
	}

	// ---- Prometheus metrics (on DefaultServeMux) ----
	metrics := pmet.New(nil, "memherd", "bench", nil)
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Info().Str("addr", *metricsAddr).Msg("serving metrics")
		log.Err(http.ListenAndServe(*metricsAddr, nil)).Msg("metrics server stopped")
	}()

	// ---- Build coordinator ----
	opt := herd.Options{
		ComputeTime: *computeTime,
		Wait:        *wait,
		Metrics:     metrics,
		Logger:      log,
	}
	c := herd.New[string](memcache.New(*addr), opt)

	// Simulated backing store: a bounded sleep plus a payload.
	var computes uint64
	compute := func(context.Context, herd.Client) (string, error) {
		atomic.AddUint64(&computes, 1)
		time.Sleep(*computeCost)
		return "v:" + strconv.FormatInt(time.Now().UnixNano(), 36), nil
	}

	// ---- Snapshot flags for goroutines ----
	keysMax := uint64(*keys - 1)
	seedBase := *seed
	zipfSVal := *zipfS
	zipfVVal := *zipfV
	expirationVal := *expiration
	workersN := *workers
	if workersN <= 0 {
		workersN = 1
	}

	// ---- Load generation ----
	var total, unresolved, failures uint64
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(workersN)
	for w := 0; w < workersN; w++ {
		go func(id int) {
			defer wg.Done()

			// Each worker gets its own RNG + Zipf (rand.Rand is NOT goroutine-safe).
			localR := rand.New(rand.NewSource(seedBase + int64(id)*9973))
			localZipf := rand.NewZipf(localR, zipfSVal, zipfVVal, keysMax)

			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				atomic.AddUint64(&total, 1)
				k := "bench:" + strconv.FormatUint(localZipf.Uint64(), 10)
				_, err := c.GetOrCompute(context.Background(), k, expirationVal, compute)
				switch {
				case err == nil:
				case errors.Is(err, herd.ErrUnresolved):
					atomic.AddUint64(&unresolved, 1)
				default:
					atomic.AddUint64(&failures, 1)
					log.Warn().Err(err).Str("key", k).Msg("call failed")
				}
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	// ---- Report ----
	ops := atomic.LoadUint64(&total)
	fmt.Printf("addr=%s workers=%d keys=%d dur=%v seed=%d\n",
		*addr, workersN, *keys, elapsed, seedBase)
	fmt.Printf("calls=%d (%.0f calls/s)  computes=%d  unresolved=%d  failures=%d\n",
		ops, float64(ops)/elapsed.Seconds(), atomic.LoadUint64(&computes),
		atomic.LoadUint64(&unresolved), atomic.LoadUint64(&failures))
	herdShield := 0.0
	if ops > 0 {
		herdShield = 100 * (1 - float64(atomic.LoadUint64(&computes))/float64(ops))
	}
	fmt.Printf("backing-store calls avoided: %.2f%%\n", herdShield)
}
