package server

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/opswire/opswire/internal/clock"
	"github.com/opswire/opswire/internal/logging"
	"github.com/opswire/opswire/internal/metrics"
)

// Janitor runs the periodic maintenance jobs: the registry liveness
// sweep, the completion store TTL sweep, and the optional metrics
// textfile snapshot.
type Janitor struct {
	cron *cron.Cron
	log  *logging.Logger
}

// NewJanitor schedules the maintenance jobs at the given interval. An
// empty textfile path disables the metrics snapshot job. A nil clock
// falls back to wall time.
func NewJanitor(interval time.Duration, reg *Registry, store *CompletionStore, clk clock.Clock, textfile string, log *logging.Logger) *Janitor {
	if clk == nil {
		clk = clock.Real{}
	}
	j := &Janitor{cron: cron.New(), log: log.With("component", "janitor")}

	j.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		now := clk.Now()
		if n := reg.Sweep(now); n > 0 {
			j.log.Info("removed unresponsive agents", "count", n)
		}
		if n := store.Sweep(now); n > 0 {
			j.log.Info("expired command records", "count", n)
		}
	}))

	if textfile != "" {
		j.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
			if err := metrics.WriteTextfile(textfile); err != nil {
				j.log.Error("metrics snapshot failed", "path", textfile, "error", err)
			}
		}))
	}
	return j
}

// Start begins running the scheduled jobs.
func (j *Janitor) Start() { j.cron.Start() }

// Stop halts scheduling and waits for any running job to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}
