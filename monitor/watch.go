package monitor

import (
	"time"

	"rdm-server/entities"
)

// DeviceLister provides the current set of online devices, typically the
// device registry.
type DeviceLister interface {
	ListOnline() []entities.Device
}

// Watch reconciles the tracked set against the registry: a task starts for
// each device that comes online and stops when it goes offline. Runs until
// Stop and is joined by it.
func (a *Aggregator) Watch(lister DeviceLister, every time.Duration) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-a.ctx.Done():
				return
			case <-ticker.C:
				a.reconcile(lister.ListOnline())
			}
		}
	}()
}

func (a *Aggregator) reconcile(online []entities.Device) {
	want := make(map[string]bool, len(online))
	for _, d := range online {
		want[d.ID] = true
		a.Track(d.ID)
	}
	for _, id := range a.Tracked() {
		if !want[id] {
			a.Untrack(id)
		}
	}
}
