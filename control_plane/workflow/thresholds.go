package workflow

import (
	"context"
	"sort"
	"time"

	"github.com/itskum47/FleetForge/control_plane/dispatch"
	"github.com/itskum47/FleetForge/control_plane/store"
	"github.com/itskum47/FleetForge/control_plane/streaming"
)

// Notifier receives threshold alerts. It is separate from the run outcome.
type Notifier interface {
	Notify(ctx context.Context, alerts []store.Alert) error
}

// PublisherNotifier publishes each alert on the alerts topic.
type PublisherNotifier struct {
	Publisher streaming.Publisher
}

func (n PublisherNotifier) Notify(ctx context.Context, alerts []store.Alert) error {
	var first error
	for _, a := range alerts {
		if err := n.Publisher.Publish(ctx, streaming.TopicAlerts, a); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// EvaluateThresholds inspects the responders' structured output for disk and
// memory usage at or above the configured percentages.
func EvaluateThresholds(runID string, th Thresholds, res *dispatch.Result, at time.Time) []store.Alert {
	if res == nil || (th.DiskPercent <= 0 && th.MemoryPercent <= 0) {
		return nil
	}

	var alerts []store.Alert
	for _, id := range res.Responders {
		v, ok := res.Raw[id]
		if !ok {
			continue
		}
		if th.DiskPercent > 0 {
			if disks, ok := dispatch.ParseDiskUsage(v); ok {
				for _, d := range disks {
					if d.Percent >= th.DiskPercent {
						alerts = append(alerts, store.Alert{
							RunID: runID, NodeID: id, Resource: "disk", Subject: d.Mount,
							Percent: d.Percent, Threshold: th.DiskPercent, At: at,
						})
					}
				}
			}
		}
		if th.MemoryPercent > 0 {
			if mem, ok := dispatch.ParseMemory(v); ok && mem.UsedPercent >= th.MemoryPercent {
				alerts = append(alerts, store.Alert{
					RunID: runID, NodeID: id, Resource: "memory",
					Percent: mem.UsedPercent, Threshold: th.MemoryPercent, At: at,
				})
			}
		}
	}

	sort.SliceStable(alerts, func(i, j int) bool {
		if alerts[i].NodeID != alerts[j].NodeID {
			return alerts[i].NodeID < alerts[j].NodeID
		}
		return alerts[i].Subject < alerts[j].Subject
	})
	return alerts
}
