// Package workflow runs snapshot-protected maintenance commands against
// fleet targets and keeps an audit record of every step.
package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/itskum47/FleetForge/control_plane/dispatch"
	"github.com/itskum47/FleetForge/control_plane/resilience"
)

// RunClass says how a run was triggered.
type RunClass string

const (
	ClassAdHoc   RunClass = "adhoc"
	ClassDaily   RunClass = "daily"
	ClassWeekly  RunClass = "weekly"
	ClassMonthly RunClass = "monthly"
)

// Protected classes get a snapshot before the main step when the plan asks
// for one. Ad hoc checks and daily reports never do.
func (c RunClass) Protected() bool {
	return c == ClassWeekly || c == ClassMonthly
}

// DefaultKeepLast is the number of snapshots kept by the post step.
const DefaultKeepLast = 3

// DefaultSnapshotTimeout bounds the wait for a snapshot to become available.
const DefaultSnapshotTimeout = 15 * time.Minute

// SnapshotPolicy configures the pre and post steps.
type SnapshotPolicy struct {
	Required bool          `yaml:"required" json:"required"`
	KeepLast int           `yaml:"keep_last" json:"keep_last"`
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`
}

// Thresholds are percentages; zero disables the check.
type Thresholds struct {
	DiskPercent   float64 `yaml:"disk_percent" json:"disk_percent" validate:"gte=0,lte=100"`
	MemoryPercent float64 `yaml:"memory_percent" json:"memory_percent" validate:"gte=0,lte=100"`
}

// Plan is one workflow run to execute.
type Plan struct {
	Name       string           `yaml:"name" json:"name"`
	Target     string           `yaml:"target" json:"target"`
	Class      RunClass         `yaml:"class" json:"class" validate:"omitempty,oneof=adhoc daily weekly monthly"`
	Command    dispatch.Request `yaml:"command" json:"command"`
	Snapshot   SnapshotPolicy   `yaml:"snapshot" json:"snapshot"`
	Thresholds Thresholds       `yaml:"thresholds" json:"thresholds"`
}

// Validate fills defaults and rejects plans that cannot run.
func (p *Plan) Validate() error {
	const op = "workflow.plan"
	p.Target = strings.TrimSpace(p.Target)
	if p.Target == "" {
		return resilience.New(resilience.KindValidation, op, "target is required")
	}
	if strings.TrimSpace(p.Command.Function) == "" {
		return resilience.New(resilience.KindValidation, op, "command function is required").WithResource(p.Target)
	}
	if p.Command.Target == "" {
		p.Command.Target = p.Target
	}
	if p.Class == "" {
		p.Class = ClassAdHoc
	}
	if p.Name == "" {
		p.Name = p.Command.Function
	}
	if p.Snapshot.KeepLast <= 0 {
		p.Snapshot.KeepLast = DefaultKeepLast
	}
	if p.Snapshot.Timeout <= 0 {
		p.Snapshot.Timeout = DefaultSnapshotTimeout
	}
	return nil
}

// SnapshotPrefix is the description prefix of snapshots taken for target
// by runs of class. Pruning only ever touches snapshots with this prefix.
func SnapshotPrefix(target string, class RunClass) string {
	return fmt.Sprintf("%s-%s-", target, class)
}

// SnapshotDescription names a snapshot taken at t.
func SnapshotDescription(target string, class RunClass, t time.Time) string {
	return SnapshotPrefix(target, class) + t.UTC().Format("20060102-150405")
}
