package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/itskum47/FleetForge/control_plane/logging"
	"github.com/itskum47/FleetForge/control_plane/resilience"
	"github.com/rs/zerolog"
)

// ScriptProvider drives an external helper program that prints a JSON
// envelope {"success": bool, "data": {...}, "error": "..."} on stdout.
//
// The helper is invoked as
//
//	<Path> <Args...> create_snapshot <CommandArgs...> <ref> <description>
//	<Path> <Args...> wait_snapshot <CommandArgs...> <snapshot-id> <timeout-seconds>
//	<Path> <Args...> list_snapshots <CommandArgs...> <ref>
//	<Path> <Args...> delete_snapshot <CommandArgs...> <snapshot-id>
//
// where ref is Targets[target] when present and target otherwise. Args suits
// an interpreter's script path; CommandArgs carries credentials for helpers
// that read them after the command, such as "hetzner_cloud.py <command> <token>".
type ScriptProvider struct {
	Path        string
	Args        []string
	CommandArgs []string
	Targets     map[string]string

	log zerolog.Logger
}

// NewScriptProvider creates a provider for the helper at path.
func NewScriptProvider(path string, args ...string) *ScriptProvider {
	return &ScriptProvider{
		Path:    path,
		Args:    args,
		Targets: map[string]string{},
		log:     logging.WithComponent("snapshot.script"),
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// flexID accepts ids printed either as numbers or strings.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

func (p *ScriptProvider) ref(target string) string {
	if r, ok := p.Targets[target]; ok {
		return r
	}
	return target
}

func (p *ScriptProvider) run(ctx context.Context, op string, out any, args ...string) error {
	argv := make([]string, 0, len(p.Args)+len(p.CommandArgs)+len(args))
	argv = append(argv, p.Args...)
	if len(args) > 0 {
		argv = append(argv, args[0])
		argv = append(argv, p.CommandArgs...)
		argv = append(argv, args[1:]...)
	}
	cmd := exec.CommandContext(ctx, p.Path, argv...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return resilience.Wrap(resilience.KindTimeout, op, ctx.Err())
	}
	var execErr *exec.Error
	if errors.As(runErr, &execErr) || errors.Is(runErr, fs.ErrNotExist) || errors.Is(runErr, fs.ErrPermission) {
		return resilience.Wrap(resilience.KindConfiguration, op, runErr)
	}

	var env envelope
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &env); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" && runErr != nil {
			msg = runErr.Error()
		}
		return resilience.Newf(resilience.KindUnknown, op, "helper printed no envelope: %s", msg)
	}
	if !env.Success {
		if env.Error == "" {
			env.Error = "helper reported failure"
		}
		return resilience.New(resilience.KindUnknown, op, env.Error)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return resilience.Wrap(resilience.KindBadRequest, op, fmt.Errorf("decoding helper data: %w", err))
		}
	}
	return nil
}

func (p *ScriptProvider) Create(ctx context.Context, target, description string) (res *CreateResult, err error) {
	const op = "snapshot.script.create"
	defer func() { record("script", "create", err) }()

	var data struct {
		SnapshotID        flexID `json:"snapshot_id"`
		AlreadyInProgress bool   `json:"already_in_progress"`
	}
	if err := p.run(ctx, op, &data, "create_snapshot", p.ref(target), description); err != nil {
		return nil, err
	}
	if data.SnapshotID == "" {
		return nil, resilience.New(resilience.KindBadRequest, op, "helper returned no snapshot id")
	}
	return &CreateResult{SnapshotID: string(data.SnapshotID), AlreadyInProgress: data.AlreadyInProgress}, nil
}

// WaitForCompletion hands the whole wait to the helper, which polls itself.
func (p *ScriptProvider) WaitForCompletion(ctx context.Context, target, snapshotID string, timeout time.Duration) (err error) {
	const op = "snapshot.script.wait"
	defer func() { record("script", "wait", err) }()

	secs := int(timeout.Seconds())
	if secs <= 0 {
		secs = 900
	}
	// Leave the helper room to report its own timeout before we kill it.
	waitCtx, cancel := context.WithTimeout(ctx, time.Duration(secs)*time.Second+30*time.Second)
	defer cancel()
	return p.run(waitCtx, op, nil, "wait_snapshot", snapshotID, strconv.Itoa(secs))
}

func (p *ScriptProvider) List(ctx context.Context, target string) (out []Snapshot, err error) {
	const op = "snapshot.script.list"
	defer func() { record("script", "list", err) }()

	var data struct {
		Snapshots []struct {
			SnapshotID  flexID  `json:"snapshot_id"`
			Description string  `json:"description"`
			Status      string  `json:"status"`
			Created     string  `json:"created"`
			ImageSize   float64 `json:"image_size"`
		} `json:"snapshots"`
	}
	if err := p.run(ctx, op, &data, "list_snapshots", p.ref(target)); err != nil {
		return nil, err
	}
	for _, s := range data.Snapshots {
		snap := Snapshot{
			ID:          string(s.SnapshotID),
			Description: s.Description,
			Status:      Status(s.Status),
			SizeGB:      s.ImageSize,
		}
		if t, err := parseCreated(s.Created); err == nil {
			snap.CreatedAt = t
		}
		out = append(out, snap)
	}
	return out, nil
}

func (p *ScriptProvider) Delete(ctx context.Context, target, snapshotID string) (err error) {
	const op = "snapshot.script.delete"
	defer func() { record("script", "delete", err) }()

	if err := p.run(ctx, op, nil, "delete_snapshot", snapshotID); err != nil {
		return err
	}
	p.log.Info().Str("target", target).Str("snapshot_id", snapshotID).Msg("snapshot deleted")
	return nil
}

// parseCreated accepts RFC 3339 with or without a zone.
func parseCreated(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02T15:04:05.999999", s)
}
