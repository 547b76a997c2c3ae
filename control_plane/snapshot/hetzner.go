package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/itskum47/FleetForge/control_plane/logging"
	"github.com/itskum47/FleetForge/control_plane/resilience"
	"github.com/rs/zerolog"
)

// DefaultHetznerEndpoint is the public Hetzner Cloud API.
const DefaultHetznerEndpoint = "https://api.hetzner.cloud/v1"

// HetznerProvider snapshots Hetzner Cloud servers. Snapshots are images of
// type "snapshot" whose created_from points at the server.
type HetznerProvider struct {
	endpoint     string
	token        string
	servers      map[string]int64
	http         *http.Client
	pollInterval time.Duration
	log          zerolog.Logger
}

// HetznerOption configures a HetznerProvider.
type HetznerOption func(*HetznerProvider)

// WithEndpoint points the provider at another API root (tests, proxies).
func WithEndpoint(endpoint string) HetznerOption {
	return func(p *HetznerProvider) { p.endpoint = strings.TrimRight(endpoint, "/") }
}

// WithServers maps node ids onto Hetzner server ids. Targets that are not in
// the map must be numeric server ids themselves.
func WithServers(servers map[string]int64) HetznerOption {
	return func(p *HetznerProvider) { p.servers = servers }
}

// WithPollInterval overrides DefaultPollInterval.
func WithPollInterval(d time.Duration) HetznerOption {
	return func(p *HetznerProvider) { p.pollInterval = d }
}

// WithHetznerHTTPClient replaces the default http.Client.
func WithHetznerHTTPClient(hc *http.Client) HetznerOption {
	return func(p *HetznerProvider) { p.http = hc }
}

// NewHetznerProvider creates a provider authenticating with an API token.
func NewHetznerProvider(token string, opts ...HetznerOption) *HetznerProvider {
	p := &HetznerProvider{
		endpoint:     DefaultHetznerEndpoint,
		token:        token,
		servers:      map[string]int64{},
		http:         &http.Client{Timeout: 30 * time.Second},
		pollInterval: DefaultPollInterval,
		log:          logging.WithComponent("snapshot.hetzner"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type hetznerImage struct {
	ID          int64   `json:"id"`
	Description string  `json:"description"`
	Status      string  `json:"status"`
	Type        string  `json:"type"`
	Created     string  `json:"created"`
	ImageSize   float64 `json:"image_size"`
	CreatedFrom *struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"created_from"`
}

func (img hetznerImage) snapshot() Snapshot {
	s := Snapshot{
		ID:          strconv.FormatInt(img.ID, 10),
		Description: img.Description,
		Status:      Status(img.Status),
		SizeGB:      img.ImageSize,
	}
	if img.Status != string(StatusCreating) && img.Status != string(StatusAvailable) {
		s.Status = StatusFailed
	}
	if t, err := time.Parse(time.RFC3339, img.Created); err == nil {
		s.CreatedAt = t
	}
	return s
}

type hetznerError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *HetznerProvider) serverID(target string) (int64, error) {
	if id, ok := p.servers[target]; ok {
		return id, nil
	}
	id, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return 0, resilience.Newf(resilience.KindConfiguration, "snapshot.hetzner", "no Hetzner server id known for %s", target).WithResource(target)
	}
	return id, nil
}

func (p *HetznerProvider) do(ctx context.Context, op, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return resilience.Wrap(resilience.KindValidation, op, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.endpoint+path, body)
	if err != nil {
		return resilience.Wrap(resilience.KindConfiguration, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return resilience.FromTransport(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return resilience.FromTransport(op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := string(raw)
		var he hetznerError
		if json.Unmarshal(raw, &he) == nil && he.Error.Message != "" {
			msg = he.Error.Code + ": " + he.Error.Message
		}
		return resilience.FromHTTPStatus(op, resp.StatusCode, msg)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return resilience.Wrap(resilience.KindBadRequest, op, fmt.Errorf("decoding response: %w", err))
	}
	return nil
}

// images lists every snapshot image, following pagination.
func (p *HetznerProvider) images(ctx context.Context, op string) ([]hetznerImage, error) {
	var all []hetznerImage
	page := 1
	for page > 0 {
		q := url.Values{}
		q.Set("type", "snapshot")
		q.Set("per_page", "50")
		q.Set("page", strconv.Itoa(page))

		var reply struct {
			Images []hetznerImage `json:"images"`
			Meta   struct {
				Pagination struct {
					NextPage *int `json:"next_page"`
				} `json:"pagination"`
			} `json:"meta"`
		}
		if err := p.do(ctx, op, http.MethodGet, "/images?"+q.Encode(), nil, &reply); err != nil {
			return nil, err
		}
		all = append(all, reply.Images...)

		page = 0
		if next := reply.Meta.Pagination.NextPage; next != nil {
			page = *next
		}
	}
	return all, nil
}

// Create starts a snapshot of target unless one is already being taken, in
// which case that snapshot is returned with AlreadyInProgress set.
func (p *HetznerProvider) Create(ctx context.Context, target, description string) (res *CreateResult, err error) {
	const op = "snapshot.hetzner.create"
	defer func() { record("hetzner", "create", err) }()

	server, err := p.serverID(target)
	if err != nil {
		return nil, err
	}

	images, err := p.images(ctx, op)
	if err != nil {
		p.log.Warn().Err(err).Str("target", target).Msg("could not check for running snapshot, creating anyway")
	}
	for _, img := range images {
		if img.CreatedFrom != nil && img.CreatedFrom.ID == server && img.Status == string(StatusCreating) {
			p.log.Info().Str("target", target).Int64("snapshot_id", img.ID).Msg("snapshot already in progress")
			return &CreateResult{SnapshotID: strconv.FormatInt(img.ID, 10), AlreadyInProgress: true}, nil
		}
	}

	var reply struct {
		Image hetznerImage `json:"image"`
	}
	payload := map[string]string{"description": description, "type": "snapshot"}
	if err := p.do(ctx, op, http.MethodPost, fmt.Sprintf("/servers/%d/actions/create_image", server), payload, &reply); err != nil {
		return nil, err
	}
	if reply.Image.ID == 0 {
		return nil, resilience.New(resilience.KindBadRequest, op, "create_image reply carried no image")
	}
	p.log.Info().Str("target", target).Int64("snapshot_id", reply.Image.ID).Str("description", description).Msg("snapshot started")
	return &CreateResult{SnapshotID: strconv.FormatInt(reply.Image.ID, 10)}, nil
}

// WaitForCompletion polls the image until it is available.
func (p *HetznerProvider) WaitForCompletion(ctx context.Context, target, snapshotID string, timeout time.Duration) (err error) {
	const op = "snapshot.hetzner.wait"
	defer func() { record("hetzner", "wait", err) }()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		var reply struct {
			Image hetznerImage `json:"image"`
		}
		err := p.do(ctx, op, http.MethodGet, "/images/"+url.PathEscape(snapshotID), nil, &reply)
		switch {
		case ctx.Err() != nil:
			return resilience.Newf(resilience.KindTimeout, op, "snapshot %s not available within %s", snapshotID, timeout).WithResource(target)
		case err != nil:
			return err
		}

		switch Status(reply.Image.Status) {
		case StatusAvailable:
			return nil
		case StatusCreating:
		default:
			return resilience.Newf(resilience.KindUnknown, op, "unexpected snapshot status %q", reply.Image.Status).WithResource(target)
		}

		select {
		case <-ctx.Done():
			return resilience.Newf(resilience.KindTimeout, op, "snapshot %s not available within %s", snapshotID, timeout).WithResource(target)
		case <-ticker.C:
		}
	}
}

// List returns the snapshots created from target's server.
func (p *HetznerProvider) List(ctx context.Context, target string) (out []Snapshot, err error) {
	const op = "snapshot.hetzner.list"
	defer func() { record("hetzner", "list", err) }()

	server, err := p.serverID(target)
	if err != nil {
		return nil, err
	}
	images, err := p.images(ctx, op)
	if err != nil {
		return nil, err
	}
	for _, img := range images {
		if img.CreatedFrom != nil && img.CreatedFrom.ID == server {
			out = append(out, img.snapshot())
		}
	}
	return out, nil
}

// Delete removes a snapshot image.
func (p *HetznerProvider) Delete(ctx context.Context, target, snapshotID string) (err error) {
	const op = "snapshot.hetzner.delete"
	defer func() { record("hetzner", "delete", err) }()

	if err := p.do(ctx, op, http.MethodDelete, "/images/"+url.PathEscape(snapshotID), nil, nil); err != nil {
		return err
	}
	p.log.Info().Str("target", target).Str("snapshot_id", snapshotID).Msg("snapshot deleted")
	return nil
}
