// Package dispatch runs functions on fleet targets and normalizes their output.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/itskum47/FleetForge/control_plane/fleetapi"
	"github.com/itskum47/FleetForge/control_plane/logging"
	"github.com/itskum47/FleetForge/control_plane/observability"
	"github.com/itskum47/FleetForge/control_plane/resilience"
	"github.com/rs/zerolog"
)

// noReturnPrefix is how the control plane reports a target that timed out.
const noReturnPrefix = "Minion did not return"

// Request is a function call against a target expression.
type Request struct {
	Target   string        `json:"target" yaml:"target"`
	Function string        `json:"function" yaml:"function"`
	Args     []string      `json:"args,omitempty" yaml:"args"`
	Timeout  time.Duration `json:"timeout,omitempty" yaml:"timeout"` // zero means calculated
}

// Result is the normalized outcome of a Request.
type Result struct {
	Success       bool           `json:"success"`
	Output        Output         `json:"output"`
	Partial       bool           `json:"partial"`
	Responders    []string       `json:"responders,omitempty"`
	NonResponders []string       `json:"non_responders,omitempty"`
	Warnings      []string       `json:"warnings,omitempty"`
	Truncated     bool           `json:"truncated"`
	Timeout       time.Duration  `json:"timeout"`
	Risk          Risk           `json:"risk"`
	Raw           map[string]any `json:"-"`
}

// Dispatcher executes requests through the control plane.
type Dispatcher struct {
	api       fleetapi.API
	maxOutput int
	log       zerolog.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(api fleetapi.API) *Dispatcher {
	return &Dispatcher{
		api:       api,
		maxOutput: MaxOutputBytes,
		log:       logging.WithComponent("dispatch"),
	}
}

// SetMaxOutput overrides MaxOutputBytes.
func (d *Dispatcher) SetMaxOutput(n int) {
	d.maxOutput = n
}

// Execute runs req. The returned error is reserved for invalid requests, the
// calculated deadline passing, and calls that produced no per-target data;
// a target answering false or not at all is reported in the Result.
func (d *Dispatcher) Execute(ctx context.Context, req Request) (*Result, error) {
	const op = "dispatch.execute"
	start := time.Now()

	target, err := ParseTarget(req.Target)
	if err != nil {
		observability.DispatchOutcomes.WithLabelValues("error").Inc()
		return nil, err
	}
	if strings.TrimSpace(req.Function) == "" {
		observability.DispatchOutcomes.WithLabelValues("error").Inc()
		return nil, resilience.New(resilience.KindValidation, op, "function name is required")
	}

	risk := ClassifyRisk(req.Function, req.Args)
	log := d.log.With().Str("target", target.Expr).Str("function", req.Function).Str("risk", string(risk)).Logger()

	var expected []string
	count := 1
	if target.Kind == TargetPattern {
		keys, err := d.api.ListAllKeys(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("could not count pattern targets, using one")
		} else {
			expected = target.Select(keys.Accepted)
			count = len(expected)
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = CalculateTimeout(risk, count)
	}
	defer func() {
		observability.DispatchDuration.WithLabelValues(string(risk)).Observe(time.Since(start).Seconds())
	}()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log.Debug().Dur("timeout", timeout).Int("targets", count).Msg("dispatching")
	ret, err := d.api.RunFunction(callCtx, target.Expr, req.Function, req.Args, timeout)

	if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		observability.DispatchOutcomes.WithLabelValues("timeout").Inc()
		return nil, resilience.Newf(resilience.KindTimeout, op, "no result within %s", timeout).WithResource(target.Expr)
	}
	if err != nil && (ret == nil || len(ret.Targets) == 0) {
		observability.DispatchOutcomes.WithLabelValues("error").Inc()
		return nil, err
	}

	var data map[string]any
	if ret != nil {
		data = ret.Targets
	}

	var res *Result
	if target.Kind == TargetLiteral {
		res = d.literalResult(target, req.Function, data)
	} else {
		res = d.patternResult(target, req.Function, data, expected)
	}
	res.Timeout = timeout
	res.Risk = risk
	res.Raw = data
	if err != nil {
		res.Warnings = append(res.Warnings, "control plane reported failure: "+err.Error())
	}

	d.bound(res)

	outcome := "success"
	switch {
	case !res.Success:
		outcome = "failure"
	case res.Partial:
		outcome = "partial"
	}
	observability.DispatchOutcomes.WithLabelValues(outcome).Inc()
	log.Info().Bool("success", res.Success).Bool("partial", res.Partial).Int("responders", len(res.Responders)).Msg("dispatch finished")
	return res, nil
}

// bound holds the result under the output ceiling. The structured values are
// dropped once the text is cut or their encoding alone exceeds the ceiling;
// Raw still carries them for in-process consumers.
func (d *Dispatcher) bound(res *Result) {
	res.Output.Text, res.Truncated = Truncate(res.Output.Text, d.maxOutput)
	if d.maxOutput <= 0 || (res.Output.Value == nil && res.Output.Targets == nil) {
		return
	}
	if !res.Truncated {
		encoded, err := json.Marshal(struct {
			Value   any            `json:"value,omitempty"`
			Targets map[string]any `json:"targets,omitempty"`
		}{res.Output.Value, res.Output.Targets})
		if err == nil && len(encoded) <= d.maxOutput {
			return
		}
	}
	res.Output.Value = nil
	res.Output.Targets = nil
	res.Truncated = true
}

func responded(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return !strings.HasPrefix(t, noReturnPrefix)
	}
	return true
}

func (d *Dispatcher) literalResult(target Target, function string, data map[string]any) *Result {
	v, present := data[target.Expr]
	switch {
	case !present || !responded(v):
		return &Result{
			Output:        Output{Kind: OutputScalar, Text: fmt.Sprintf("No response from %s", target.Expr)},
			NonResponders: []string{target.Expr},
		}
	case v == false:
		return &Result{
			Output:     Output{Kind: OutputScalar, Value: false, Text: fmt.Sprintf("%s returned false", target.Expr)},
			Responders: []string{target.Expr},
		}
	}
	return &Result{
		Success:    true,
		Output:     NewOutput(function, v),
		Responders: []string{target.Expr},
	}
}

func (d *Dispatcher) patternResult(target Target, function string, data map[string]any, expected []string) *Result {
	res := &Result{}
	silent := map[string]bool{}
	per := map[string]any{}

	for id, v := range data {
		if responded(v) {
			per[id] = v
			res.Responders = append(res.Responders, id)
		} else {
			silent[id] = true
		}
	}
	for _, id := range expected {
		if _, ok := data[id]; !ok {
			silent[id] = true
		}
	}
	for id := range silent {
		res.NonResponders = append(res.NonResponders, id)
	}
	sort.Strings(res.Responders)
	sort.Strings(res.NonResponders)

	if len(res.Responders) == 0 {
		text := fmt.Sprintf("No targets matched %s", target.Expr)
		if len(res.NonResponders) > 0 {
			text = fmt.Sprintf("No response from any of %d target(s) matching %s: %s",
				len(res.NonResponders), target.Expr, strings.Join(res.NonResponders, ", "))
		}
		res.Output = Output{Kind: OutputPerTarget, Targets: per, Text: text}
		return res
	}

	var b strings.Builder
	for i, id := range res.Responders {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "=== %s ===\n%s", id, FormatValue(function, per[id]))
	}

	res.Success = true
	if len(res.NonResponders) > 0 {
		res.Partial = true
		warning := fmt.Sprintf("No response from %d target(s): %s", len(res.NonResponders), strings.Join(res.NonResponders, ", "))
		res.Warnings = append(res.Warnings, warning)
		fmt.Fprintf(&b, "\n\nWarning: %s", warning)
	}
	res.Output = Output{Kind: OutputPerTarget, Targets: per, Text: b.String()}
	return res
}
