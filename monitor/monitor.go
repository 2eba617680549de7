// Package monitor polls telemetry for every tracked device on its own
// timer and merges the samples into one queryable table. Writes replace
// the entry for their device; readers get point-in-time copies.
package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"rdm-server/entities"

	"github.com/rs/zerolog/log"
)

// Sampler produces one telemetry sample for a device.
type Sampler interface {
	Sample(ctx context.Context, deviceID string) (entities.DeviceStats, error)
}

// Aggregator runs one polling task per tracked device. The stats table is
// keyed by device id with exactly one writer per key, so a sync.Map gives
// per-key synchronization without a coarse lock over all devices.
type Aggregator struct {
	sampler  Sampler
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]*pollTask

	stats sync.Map // device id -> entities.DeviceStats
}

// pollTask is one device's polling goroutine: cancel stops it, done closes
// once it has exited and can no longer write.
type pollTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewAggregator(sampler Sampler, interval time.Duration) *Aggregator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Aggregator{
		sampler:  sampler,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
		tasks:    make(map[string]*pollTask),
	}
}

// Track starts the polling task for a device. Tracking an already tracked
// device is a no-op.
func (a *Aggregator) Track(deviceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, running := a.tasks[deviceID]; running {
		return
	}
	select {
	case <-a.ctx.Done():
		return
	default:
	}

	ctx, cancel := context.WithCancel(a.ctx)
	task := &pollTask{cancel: cancel, done: make(chan struct{})}
	a.tasks[deviceID] = task
	a.wg.Add(1)
	go a.poll(ctx, deviceID, task.done)
	log.Debug().Str("device_id", deviceID).Msg("monitor task started")
}

// Untrack stops the device's polling task and drops its entry. A tick in
// progress finishes its write first; the entry is deleted only after the
// task has exited, so no write can land behind the delete.
func (a *Aggregator) Untrack(deviceID string) {
	a.mu.Lock()
	task, running := a.tasks[deviceID]
	delete(a.tasks, deviceID)
	a.mu.Unlock()
	if running {
		task.cancel()
		<-task.done
		a.stats.Delete(deviceID)
		log.Debug().Str("device_id", deviceID).Msg("monitor task stopped")
	}
}

// Tracked returns the ids with a running task.
func (a *Aggregator) Tracked() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.tasks))
	for id := range a.tasks {
		ids = append(ids, id)
	}
	return ids
}

// Stop cancels every task and waits for them to exit. No task is torn
// down mid-write.
func (a *Aggregator) Stop() {
	a.cancel()
	a.mu.Lock()
	a.tasks = make(map[string]*pollTask)
	a.mu.Unlock()
	a.wg.Wait()
	log.Info().Msg("monitor stopped")
}

// Snapshot returns a consistent copy of the full stats table, ordered by
// device id.
func (a *Aggregator) Snapshot() []entities.DeviceStats {
	var out []entities.DeviceStats
	a.stats.Range(func(_, value any) bool {
		out = append(out, value.(entities.DeviceStats))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func (a *Aggregator) poll(ctx context.Context, deviceID string, done chan struct{}) {
	defer a.wg.Done()
	defer close(done)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	// First sample immediately so a fresh device shows up within one
	// interval, then on the ticker.
	a.tick(ctx, deviceID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick(ctx, deviceID)
		}
	}
}

func (a *Aggregator) tick(ctx context.Context, deviceID string) {
	sample, err := a.sampler.Sample(ctx, deviceID)
	if err != nil {
		log.Warn().Str("device_id", deviceID).Err(err).Msg("telemetry sample failed")
		return
	}
	sample.DeviceID = deviceID
	if sample.LastUpdate.IsZero() {
		sample.LastUpdate = time.Now()
	}
	// Replace, never append: last write wins for the device's entry.
	a.stats.Store(deviceID, sample)
}
