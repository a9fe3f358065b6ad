package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/autopeer-io/rovpilot/internal/rovagent/core"
	"github.com/autopeer-io/rovpilot/pkg/options"
)

// safetyArmed is MAV_MODE_FLAG_SAFETY_ARMED.
const safetyArmed = 0x80

// Fetcher reads one telemetry sample.
type Fetcher interface {
	Fetch(ctx context.Context) (Snapshot, error)
}

// Feed reads vehicle telemetry from a mavlink2rest service.
type Feed struct {
	baseURL   string
	vehicle   int
	component int
	timeout   time.Duration
	client    *http.Client
}

var _ Fetcher = (*Feed)(nil)

func NewFeed(opts *options.TelemetryOptions) *Feed {
	return &Feed{
		baseURL:   strings.TrimRight(opts.URL, "/"),
		vehicle:   opts.VehicleID,
		component: opts.ComponentID,
		timeout:   opts.RequestTimeout,
		client:    &http.Client{},
	}
}

// bits accepts both a bare number and mavlink2rest's {"bits": N} form.
type bits uint32

func (b *bits) UnmarshalJSON(data []byte) error {
	var n uint32
	if err := json.Unmarshal(data, &n); err == nil {
		*b = bits(n)
		return nil
	}
	var obj struct {
		Bits uint32 `json:"bits"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("decode bitmask %s: %w", data, err)
	}
	*b = bits(obj.Bits)
	return nil
}

type heartbeat struct {
	BaseMode   bits   `json:"base_mode"`
	CustomMode uint32 `json:"custom_mode"`
}

type vfrHUD struct {
	Alt     float64 `json:"alt"`
	Heading float64 `json:"heading"`
}

type envelope[T any] struct {
	Message *T `json:"message"`
}

// Fetch reads HEARTBEAT and VFR_HUD concurrently.
func (f *Feed) Fetch(ctx context.Context) (Snapshot, error) {
	var (
		hb  heartbeat
		hud vfrHUD
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return get(gctx, f, "HEARTBEAT", &hb) })
	g.Go(func() error { return get(gctx, f, "VFR_HUD", &hud) })
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}

	return Snapshot{
		Depth:   -hud.Alt,
		Heading: hud.Heading,
		Armed:   hb.BaseMode&safetyArmed != 0,
		Mode:    core.ModeName(hb.CustomMode),
	}, nil
}

func get[T any](ctx context.Context, f *Feed, name string, out *T) error {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	url := fmt.Sprintf("%s/vehicles/%d/components/%d/%s", f.baseURL, f.vehicle, f.component, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build %s request: %w", name, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("fetch %s: unexpected status %d: %s", name, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var env envelope[T]
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	if env.Message == nil {
		return fmt.Errorf("decode %s: response has no message", name)
	}
	*out = *env.Message
	return nil
}
