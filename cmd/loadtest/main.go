package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/thought-mesh/internal/crdt"
	"github.com/example/thought-mesh/internal/peer"
	"github.com/example/thought-mesh/internal/types"
)

type roundSample struct {
	dur      time.Duration
	added    int
	updated  int
	conflict int
}

func main() {
	addr := flag.String("addr", "localhost:8080", "host:port of the sync endpoint to target")
	workers := flag.Int("workers", 50, "number of concurrent synthetic replicas")
	rounds := flag.Int("rounds", 20, "sync rounds per replica")
	thoughts := flag.Int("thoughts", 10, "thoughts written per replica between rounds")
	interval := flag.Duration("interval", 200*time.Millisecond, "delay between rounds")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := log.With().Str("target", *addr).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sampleCh := make(chan roundSample, *workers**rounds)
	var wg sync.WaitGroup

	quiet := zerolog.Nop()
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			node := types.NodeID(fmt.Sprintf("loadtest-%d", id))
			replica := crdt.NewReplica(node, quiet)
			syncer := peer.NewSyncer(replica, nil, nil, time.Hour, quiet)

			ticker := time.NewTicker(*interval)
			defer ticker.Stop()

			for round := 0; round < *rounds; round++ {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}

				for n := 0; n < *thoughts; n++ {
					replica.Add(types.Record{
						CID:   types.CID(fmt.Sprintf("%s-r%d-t%d", node, round, n)),
						Topic: types.TopicMetric,
						TS:    time.Now().UnixNano(),
						Payload: types.Payload{
							"worker": id,
							"round":  round,
							"value":  float64(n),
						},
					})
				}

				start := time.Now()
				report, err := syncer.SyncWith(ctx, *addr)
				if err != nil {
					logger.Error().Err(err).Str("node", string(node)).Msg("sync round failed")
					return
				}
				sampleCh <- roundSample{
					dur:      time.Since(start),
					added:    len(report.Added),
					updated:  len(report.Updated),
					conflict: len(report.Conflicts),
				}
			}
		}(i)
	}

	go func() {
		wg.Wait()
		stop()
		close(sampleCh)
	}()

	<-ctx.Done()
	report(sampleCh, logger)
}

func report(samples <-chan roundSample, logger zerolog.Logger) {
	var count int
	var total time.Duration
	var max time.Duration
	var under100ms int
	var added, updated, conflicts int

	for s := range samples {
		count++
		total += s.dur
		if s.dur > max {
			max = s.dur
		}
		if s.dur < 100*time.Millisecond {
			under100ms++
		}
		added += s.added
		updated += s.updated
		conflicts += s.conflict
	}

	if count == 0 {
		fmt.Fprintln(os.Stdout, "no samples collected")
		return
	}

	avg := time.Duration(int64(math.Round(float64(total) / float64(count))))
	pct := (float64(under100ms) / float64(count)) * 100

	fmt.Fprintf(os.Stdout, "Rounds: %d\nAvg round: %s\nMax round: %s\n<100ms: %.2f%%\nPulled: %d added / %d updated / %d conflicts\n",
		count, avg, max, pct, added, updated, conflicts)
	if pct < 95 {
		logger.Warn().Msg("less than 95% of sync rounds met the 100ms target")
	}
}
