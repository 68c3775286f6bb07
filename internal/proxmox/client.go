package proxmox

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/guimove/pvebalance/internal/model"
)

// Client talks to the Proxmox VE HTTP API using cookie ticket authentication.
// It re-authenticates transparently when a ticket expires.
type Client struct {
	endpoint string
	user     string
	password string

	httpc        *http.Client
	log          *logrus.Entry
	pollInterval time.Duration

	mu     sync.Mutex
	ticket string
	csrf   string
}

// Option configures the client.
type Option func(*Client)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpc.Timeout = d }
}

// WithInsecureTLS skips certificate verification. PVE clusters commonly run
// self-signed certificates.
func WithInsecureTLS() Option {
	return func(c *Client) {
		c.httpc.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
}

// WithPollInterval sets how often task status is polled during a migration.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// WithLogger sets the logger used for request-level debug output.
func WithLogger(log *logrus.Entry) Option {
	return func(c *Client) { c.log = log }
}

// NewClient creates a client for the given API endpoint
// (https://host:8006) and credentials.
func NewClient(endpoint, user, password string, opts ...Option) *Client {
	c := &Client{
		endpoint:     strings.TrimRight(endpoint, "/"),
		user:         user,
		password:     password,
		httpc:        &http.Client{Timeout: 30 * time.Second},
		log:          logrus.NewEntry(logrus.StandardLogger()),
		pollInterval: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Login obtains a fresh authentication ticket.
func (c *Client) Login(ctx context.Context) error {
	form := url.Values{
		"username": {c.user},
		"password": {c.password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint+"/api2/json/access/ticket", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("authenticating against %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("authentication failed: %s", resp.Status)
	}

	var tr ticketResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return fmt.Errorf("decoding ticket response: %w", err)
	}

	c.mu.Lock()
	c.ticket = tr.Data.Ticket
	c.csrf = tr.Data.CSRFPreventionToken
	c.mu.Unlock()

	c.log.Debug("authenticated against pve api")
	return nil
}

// do issues one API request, re-authenticating once on a 401.
func (c *Client) do(ctx context.Context, method, path string, form url.Values, out interface{}) error {
	c.mu.Lock()
	authenticated := c.ticket != ""
	c.mu.Unlock()
	if !authenticated {
		if err := c.Login(ctx); err != nil {
			return err
		}
	}

	for attempt := 0; ; attempt++ {
		status, err := c.doOnce(ctx, method, path, form, out)
		if err == nil {
			return nil
		}
		if status == http.StatusUnauthorized && attempt == 0 {
			if lerr := c.Login(ctx); lerr != nil {
				return lerr
			}
			continue
		}
		return err
	}
}

func (c *Client) doOnce(ctx context.Context, method, path string, form url.Values, out interface{}) (int, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+"/api2/json"+path, body)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	req.AddCookie(&http.Cookie{Name: "PVEAuthCookie", Value: c.ticket})
	if method != http.MethodGet {
		req.Header.Set("CSRFPreventionToken", c.csrf)
	}
	c.mu.Unlock()
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decoding %s response: %w", path, err)
		}
	}
	return resp.StatusCode, nil
}

// GetSnapshot builds a fresh cluster snapshot from /cluster/status, the HA
// manager status, and /cluster/resources. Offline nodes and non-running
// guests are left out.
func (c *Client) GetSnapshot(ctx context.Context) (*model.ClusterSnapshot, error) {
	snap := &model.ClusterSnapshot{CollectedAt: time.Now()}

	var status clusterStatusResponse
	if err := c.do(ctx, http.MethodGet, "/cluster/status", nil, &status); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotUnavailable, err)
	}
	for _, item := range status.Data {
		if item.Type == "cluster" {
			snap.ClusterName = item.Name
		}
	}

	var ha haManagerStatusResponse
	if err := c.do(ctx, http.MethodGet, "/cluster/ha/status/manager_status", nil, &ha); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotUnavailable, err)
	}
	snap.MasterNode = ha.Data.ManagerStatus.MasterNode
	snap.Quorate = ha.Data.Quorum.Quorate.String() == "1"

	var resources resourcesResponse
	if err := c.do(ctx, http.MethodGet, "/cluster/resources", nil, &resources); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotUnavailable, err)
	}

	for _, item := range resources.Data {
		switch item.Type {
		case "node":
			if item.Status != "online" {
				continue
			}
			snap.Nodes = append(snap.Nodes, model.Node{
				Name:   item.Node,
				MaxMem: item.MaxMem,
				Mem:    item.Mem,
				MaxCPU: item.MaxCPU,
				CPU:    item.CPU,
				Master: item.Node == snap.MasterNode,
			})
		case "qemu", "lxc":
			if item.Status != "running" {
				continue
			}
			snap.VMs = append(snap.VMs, model.VM{
				ID:   item.VMID,
				Name: item.Name,
				Node: item.Node,
				Type: model.GuestType(item.Type),
				Mem:  item.Mem,
			})
		}
	}

	if len(snap.Nodes) == 0 {
		return nil, fmt.Errorf("%w: no online nodes in /cluster/resources", ErrSnapshotUnavailable)
	}
	return snap, nil
}

// CPUHistory returns the node's hourly RRD CPU samples as percentages,
// oldest first. Used to warm the trend history after a restart.
func (c *Client) CPUHistory(ctx context.Context, node string) ([]float64, error) {
	var rrd rrdDataResponse
	path := fmt.Sprintf("/nodes/%s/rrddata?timeframe=hour&cf=AVERAGE", url.PathEscape(node))
	if err := c.do(ctx, http.MethodGet, path, nil, &rrd); err != nil {
		return nil, err
	}

	var samples []float64
	for _, s := range rrd.Data {
		if s.CPU != nil {
			samples = append(samples, *s.CPU*100)
		}
	}
	return samples, nil
}

// Migrate executes one migration end to end: qemu guests are prechecked for
// local resources and migrated online, lxc guests use a restart migration.
// The call blocks until the task finishes; cancel via ctx to bound it.
func (c *Client) Migrate(ctx context.Context, plan model.MigrationPlan) error {
	var upid string

	switch plan.Type {
	case model.GuestLXC:
		path := fmt.Sprintf("/nodes/%s/lxc/%d/migrate", url.PathEscape(plan.Source), plan.VMID)
		form := url.Values{"target": {plan.Target}, "restart": {"1"}}
		var start startTaskResponse
		if err := c.do(ctx, http.MethodPost, path, form, &start); err != nil {
			return fmt.Errorf("starting lxc migration: %w", err)
		}
		upid = start.Data

	default:
		path := fmt.Sprintf("/nodes/%s/qemu/%d/migrate", url.PathEscape(plan.Source), plan.VMID)

		var precheck migratePrecheckResponse
		if err := c.do(ctx, http.MethodGet, path, nil, &precheck); err != nil {
			return fmt.Errorf("migration precheck: %w", err)
		}
		if len(precheck.Data.LocalDisks) > 0 || len(precheck.Data.LocalResources) > 0 {
			return fmt.Errorf("%w: vm %d", ErrLocalResources, plan.VMID)
		}

		form := url.Values{"target": {plan.Target}, "online": {"1"}}
		var start startTaskResponse
		if err := c.do(ctx, http.MethodPost, path, form, &start); err != nil {
			return fmt.Errorf("starting qemu migration: %w", err)
		}
		upid = start.Data
	}

	if err := c.waitTask(ctx, plan.Source, upid); err != nil {
		return err
	}

	if plan.Type == model.GuestQemu {
		// Some guests land paused after an online migration.
		path := fmt.Sprintf("/nodes/%s/qemu/%d/status/resume", url.PathEscape(plan.Target), plan.VMID)
		if err := c.do(ctx, http.MethodPost, path, url.Values{}, nil); err != nil {
			c.log.WithField("vmid", plan.VMID).WithError(err).Warn("resume after migration failed")
		}
	}
	return nil
}

// waitTask polls the task status until it stops or ctx is done.
func (c *Client) waitTask(ctx context.Context, node, upid string) error {
	path := fmt.Sprintf("/nodes/%s/tasks/%s/status", url.PathEscape(node), url.PathEscape(upid))

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for task %s: %w", upid, ctx.Err())
		case <-ticker.C:
		}

		var ts taskStatusResponse
		if err := c.do(ctx, http.MethodGet, path, nil, &ts); err != nil {
			return fmt.Errorf("polling task %s: %w", upid, err)
		}
		if ts.Data.Status == "running" {
			c.log.WithField("upid", upid).Debug("migration in progress")
			continue
		}
		if ts.Data.ExitStatus != "OK" {
			return fmt.Errorf("%w: task %s exited %q", ErrMigrationFailed, upid, ts.Data.ExitStatus)
		}
		return nil
	}
}
