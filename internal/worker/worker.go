// Package worker implements the worker runtime of spec.md §4.4: the
// main loop, fork-and-wait job isolation, signal handling, heartbeat,
// dedicated-mode gating, and the memory watchdog. It is the largest
// single component of the system — everything else in this module
// exists to give this loop somewhere safe to claim and reconcile jobs.
package worker

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"jobctl/internal/config"
	"jobctl/internal/events"
	"jobctl/internal/gc"
	"jobctl/internal/handler"
	"jobctl/internal/host"
	"jobctl/internal/job"
	"jobctl/internal/keys"
	"jobctl/internal/queue"
)

// Status is a worker's coarse lifecycle state (spec.md §3).
type Status string

const (
	StatusNew     Status = "new"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
)

const (
	cleanupCycle    = 120 * time.Second
	heartbeatPeriod = 5 * time.Second
	jobWallClockCap = time.Hour
)

// Worker is the per-process runtime of spec.md §4.4. One Worker claims
// and reconciles one job at a time; concurrency across the fleet comes
// entirely from running many Worker processes, not from concurrency
// inside one.
type Worker struct {
	ID   string
	Host string
	PID  int

	client   *redis.Client
	keys     keys.Schema
	store    *job.Store
	queue    *queue.Queue
	unique   *job.Uniqueness
	hosts    *host.Registry
	gc       *gc.Collector
	bus      *events.Bus
	registry *handler.Registry
	cfg      *config.Config

	status           Status
	signals          chan Signal
	lastGlobalSignal string
	clusterToken     string

	execPath string

	currentJobID  string
	currentJobPID int
}

// New builds a Worker identified by "<hostname>:<pid>:<runtime-version>"
// per spec.md §3. execPath is the binary to re-exec as the job's child
// process (the fork substitute); cmd/worker.go passes os.Executable(),
// falling back to os.Args[0].
func New(client *redis.Client, schema keys.Schema, store *job.Store, q *queue.Queue, unique *job.Uniqueness, hosts *host.Registry, collector *gc.Collector, bus *events.Bus, registry *handler.Registry, cfg *config.Config, hostname string, pid int, execPath string) *Worker {
	return &Worker{
		ID:       fmt.Sprintf("%s:%d:%s", hostname, pid, runtime.Version()),
		Host:     hostname,
		PID:      pid,
		client:   client,
		keys:     schema,
		store:    store,
		queue:    q,
		unique:   unique,
		hosts:    hosts,
		gc:       collector,
		bus:      bus,
		registry: registry,
		cfg:      cfg,
		status:   StatusNew,
		signals:  make(chan Signal, 16),
		execPath: execPath,
	}
}

// Signals exposes the worker's inbound signal channel, for ListenOS and
// remote-signal polling to feed, and for tests to drive directly.
func (w *Worker) Signals() chan<- Signal { return w.signals }

func (w *Worker) publish(kind events.Kind, subject any) {
	if w.bus != nil {
		w.bus.Publish(kind, subject)
	}
}

// register writes presence into the worker/host sets and this worker's
// capability hash (spec.md §4.4 step 1, second half).
func (w *Worker) register(ctx context.Context) error {
	if err := w.client.SAdd(ctx, w.keys.Workers(), w.ID).Err(); err != nil {
		return fmt.Errorf("worker: register in workers set: %w", err)
	}
	if err := w.hosts.Register(ctx, w.Host, w.ID); err != nil {
		return err
	}
	fields := map[string]any{
		"status":         string(StatusRunning),
		"queues":         strings.Join(w.cfg.Queues, ","),
		"blocking":       w.cfg.Blocking,
		"interval":       w.cfg.Interval,
		"timeout":        w.cfg.Timeout,
		"memory_limit":   w.cfg.MemoryLimit,
		"dedicated_lock": w.cfg.DedicatedLock,
	}
	if err := w.client.HSet(ctx, w.keys.Worker(w.ID), fields).Err(); err != nil {
		return fmt.Errorf("worker: write capability hash: %w", err)
	}
	w.status = StatusRunning
	w.publish(events.WorkerRegister, w)
	return nil
}

// unregister drains this worker's processing lists back to waiting and
// removes its presence, per spec.md §4.7's cleanupQueue-on-unregister
// clause. Run calls it with a background context since Run's own ctx
// may already be cancelled on the shutdown path.
func (w *Worker) unregister(ctx context.Context) {
	queues, err := w.queue.ResolveQueues(ctx, w.cfg.Queues)
	if err == nil {
		for _, qn := range queues {
			if _, err := w.queue.CleanupQueue(ctx, qn, w.ID); err != nil {
				log.Printf("worker %s: cleanup queue %s on unregister: %v", w.ID, qn, err)
			}
		}
	}
	if err := w.hosts.Unregister(ctx, w.Host, w.ID); err != nil {
		log.Printf("worker %s: unregister from host: %v", w.ID, err)
	}
	_ = w.client.SRem(ctx, w.keys.Workers(), w.ID).Err()
	_ = w.client.Del(ctx, w.keys.Worker(w.ID)).Err()
	w.publish(events.WorkerUnregister, w)
}

// runCleanup performs the GC pass of spec.md §4.4 steps 1 and 2: prune
// dead peers on this host, then sweep zombie running entries on every
// resolved queue.
func (w *Worker) runCleanup(ctx context.Context) error {
	if _, err := w.gc.PruneWorkers(ctx, w.Host, gc.ProcessAlive); err != nil {
		return fmt.Errorf("prune workers: %w", err)
	}
	queues, err := w.queue.ResolveQueues(ctx, w.cfg.Queues)
	if err != nil {
		return fmt.Errorf("resolve queues: %w", err)
	}
	for _, qn := range queues {
		if _, err := w.gc.SweepZombies(ctx, qn); err != nil {
			return fmt.Errorf("sweep zombies %s: %w", qn, err)
		}
	}
	w.publish(events.WorkerCleanup, w)
	return nil
}

// Run executes the main loop of spec.md §4.4 until a shutdown signal is
// processed or ctx is cancelled, unregistering on the way out either
// way.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.runCleanup(ctx); err != nil {
		return fmt.Errorf("worker: startup cleanup: %w", err)
	}
	if err := w.register(ctx); err != nil {
		return fmt.Errorf("worker: register: %w", err)
	}
	defer w.unregister(context.Background())
	w.publish(events.WorkerStartup, w)

	lastCleanup := time.Now()
	startHost := w.Host
	interval := time.Duration(w.cfg.Interval) * time.Second
	if interval <= 0 {
		interval = time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if time.Since(lastCleanup) >= cleanupCycle {
			if err := w.runCleanup(ctx); err != nil {
				log.Printf("worker %s: periodic cleanup: %v", w.ID, err)
			}
			if h := currentHostname(); h != startHost {
				log.Printf("worker %s: hostname changed from %q to %q, shutting down", w.ID, startHost, h)
				return nil
			}
			lastCleanup = time.Now()
		}

		if shutdown := w.processSignals(ctx); shutdown {
			return nil
		}
		w.pollRemoteSignals(ctx)

		if w.memoryExceeded() {
			w.publish(events.WorkerLowMemory, w)
			log.Printf("worker %s: memory limit exceeded, shutting down", w.ID)
			return nil
		}

		member, err := w.client.SIsMember(ctx, w.keys.Workers(), w.ID).Result()
		if err != nil {
			log.Printf("worker %s: sanity check: %v", w.ID, err)
			continue
		}
		if !member {
			w.publish(events.WorkerCorrupt, w)
			return fmt.Errorf("worker: lost own registration in the worker set")
		}

		if w.isDedicatedLockedOut(ctx) || w.status == StatusPaused {
			time.Sleep(interval)
			continue
		}

		queues, err := w.queue.ResolveQueues(ctx, w.cfg.Queues)
		if err != nil {
			log.Printf("worker %s: resolve queues: %v", w.ID, err)
			continue
		}
		for _, qn := range queues {
			if _, err := w.queue.PromoteDelayed(ctx, qn, time.Now()); err != nil {
				log.Printf("worker %s: promote delayed %s: %v", w.ID, qn, err)
			}
		}

		claimed, err := w.queue.Pop(ctx, queues, interval, w.cfg.Blocking, w.ID)
		if err != nil {
			log.Printf("worker %s: pop: %v", w.ID, err)
			continue
		}
		if claimed == nil {
			if !w.cfg.Blocking {
				time.Sleep(interval)
			}
			continue
		}

		w.publish(events.WorkerWorkingOn, claimed)
		if err := w.runJob(ctx, claimed); err != nil {
			log.Printf("worker %s: job %s: %v", w.ID, claimed.ID, err)
		}
		w.publish(events.WorkerDoneWorking, claimed)
	}
}

func (w *Worker) isDedicatedLockedOut(ctx context.Context) bool {
	if !w.cfg.DedicatedLock {
		return false
	}
	fields, err := w.client.HMGet(ctx, w.keys.Global(), "dedicated", "cluster").Result()
	if err != nil || len(fields) < 2 {
		return false
	}
	dedicated, _ := fields[0].(string)
	cluster, _ := fields[1].(string)
	w.clusterToken = cluster
	if dedicated == "" || dedicated == w.ID {
		return false
	}
	return true
}

func (w *Worker) memoryExceeded() bool {
	if w.cfg.MemoryLimit <= 0 {
		return false
	}
	usage := float64(residentMB()) / float64(w.cfg.MemoryLimit)
	if usage >= 0.7 {
		log.Printf("worker %s: memory at %.0f%% of %d MB limit", w.ID, usage*100, w.cfg.MemoryLimit)
	}
	return usage > 0.999
}

func currentHostname() string {
	name, err := os.Hostname()
	if err != nil {
		return ""
	}
	return name
}

// residentMB reads this process's resident set size from procfs. It
// returns 0 (never triggering the watchdog) on platforms without it.
func residentMB() int {
	data, err := os.ReadFile("/proc/self/statm")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0
	}
	pages, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return 0
	}
	return int(pages * int64(os.Getpagesize()) / (1024 * 1024))
}
