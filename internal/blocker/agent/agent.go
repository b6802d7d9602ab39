// Package agent talks to the on-device blocking agent over HTTP. The
// agent enforces overlays and package blocking; this client only issues
// commands and queries, it never owns enforcement decisions.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	blockerdomain "github.com/smallbiznis/focusgate/internal/blocker/domain"
	"github.com/smallbiznis/focusgate/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
}

// New returns the HTTP client when a device agent URL is configured and
// a log-only no-op otherwise, so single-box deployments run without an
// agent process.
func New(p Params) blockerdomain.Native {
	baseURL := strings.TrimRight(strings.TrimSpace(p.Config.DeviceAgentURL), "/")
	if baseURL == "" {
		return &noopNative{log: p.Log.Named("blocker.agent")}
	}
	return &httpNative{
		baseURL: baseURL,
		client:  &http.Client{Timeout: p.Config.DeviceAgentTimeout},
		log:     p.Log.Named("blocker.agent"),
	}
}

type httpNative struct {
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

type blockCommand struct {
	Packages []string `json:"packages"`
}

type blockedResponse struct {
	Packages []string `json:"packages"`
}

type permissionResponse struct {
	Granted bool `json:"granted"`
}

func (n *httpNative) Block(ctx context.Context, userID string, packageIDs []string) error {
	return n.post(ctx, fmt.Sprintf("/v1/users/%s/block", userID), blockCommand{Packages: packageIDs}, nil)
}

func (n *httpNative) Unblock(ctx context.Context, userID string, packageID string) error {
	return n.post(ctx, fmt.Sprintf("/v1/users/%s/unblock", userID), blockCommand{Packages: []string{packageID}}, nil)
}

func (n *httpNative) CurrentlyBlocked(ctx context.Context, userID string) ([]string, error) {
	var resp blockedResponse
	if err := n.get(ctx, fmt.Sprintf("/v1/users/%s/blocked", userID), &resp); err != nil {
		return nil, err
	}
	return resp.Packages, nil
}

func (n *httpNative) HasOverlayPermission(ctx context.Context, userID string) (bool, error) {
	var resp permissionResponse
	if err := n.get(ctx, fmt.Sprintf("/v1/users/%s/permissions/overlay", userID), &resp); err != nil {
		return false, err
	}
	return resp.Granted, nil
}

func (n *httpNative) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return n.do(req, out)
}

func (n *httpNative) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL+path, nil)
	if err != nil {
		return err
	}
	return n.do(req, out)
}

func (n *httpNative) do(req *http.Request, out any) error {
	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("device agent returned %d for %s", resp.StatusCode, req.URL.Path)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// noopNative acknowledges every command so the rest of the system can be
// exercised without a device attached. It reports an empty device state,
// which makes convergence re-issue block commands each pass.
type noopNative struct {
	log *zap.Logger
}

func (n *noopNative) Block(ctx context.Context, userID string, packageIDs []string) error {
	n.log.Debug("block (no agent configured)", zap.String("user_id", userID), zap.Strings("packages", packageIDs))
	return nil
}

func (n *noopNative) Unblock(ctx context.Context, userID string, packageID string) error {
	n.log.Debug("unblock (no agent configured)", zap.String("user_id", userID), zap.String("package", packageID))
	return nil
}

func (n *noopNative) CurrentlyBlocked(ctx context.Context, userID string) ([]string, error) {
	return nil, nil
}

func (n *noopNative) HasOverlayPermission(ctx context.Context, userID string) (bool, error) {
	return true, nil
}

var Module = fx.Module("blocker.agent",
	fx.Provide(New),
)
