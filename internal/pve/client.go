// Package pve is a typed client for the subset of the Proxmox VE REST API
// this service needs: listing LXC containers, reading their config/status,
// linked-cloning, start/stop/delete, hostname rename, and task polling.
//
// It is adapted from this codebase's internal/proxmox client (built for
// QEMU VMs, JSON bodies) and from the original pve-lxc-resize.py script's
// PveLxcClient (LXC endpoints, form-urlencoded bodies, UPID task polling),
// reconciling the two into the LXC + form-urlencoded shape this spec's PVE
// surface (§6) requires.
package pve

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("pool-service/pve")

// Client is the set of operations the PoolManager needs against PVE. It is
// an interface so tests can substitute a fake without a live cluster.
type Client interface {
	ListContainers(ctx context.Context) ([]ContainerSummary, error)
	GetContainerConfig(ctx context.Context, vmid int) (ContainerConfig, error)
	GetContainerStatus(ctx context.Context, vmid int) (ContainerStatus, error)
	LinkedClone(ctx context.Context, templateVMID, newVMID int, hostname string) (string, error)
	StartContainer(ctx context.Context, vmid int) (string, error)
	StopContainer(ctx context.Context, vmid int) (string, error)
	DeleteContainer(ctx context.Context, vmid int) (string, error)
	SetContainerHostname(ctx context.Context, vmid int, hostname string) error
	GetTaskStatus(ctx context.Context, upid string) (TaskStatus, error)
	WaitForTask(ctx context.Context, upid string, timeout, pollInterval time.Duration) error
}

// Config configures a HTTPClient.
type Config struct {
	BaseURL   string // e.g. https://pve.example.com:8006
	APIToken  string // user@realm!tokenid=secret
	Node      string // target node; auto-detected if empty
	VerifyTLS bool
}

// HTTPClient is the default Client implementation, talking to a real PVE
// cluster over HTTPS.
type HTTPClient struct {
	rh   *requestHelper
	node string

	nodeOnce sync.Once
	nodeErr  error
}

// NewHTTPClient constructs a Client. It does not perform any network I/O
// until the first method call.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if !strings.Contains(cfg.APIToken, "=") {
		return nil, fmt.Errorf("invalid PVE_API_TOKEN format, expected 'user@realm!tokenid=secret'")
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: !cfg.VerifyTLS},
	}
	httpClient := &http.Client{Transport: transport, Timeout: 60 * time.Second}

	baseURL := strings.TrimRight(cfg.BaseURL, "/") + "/api2/json"

	return &HTTPClient{
		rh:   newRequestHelper(baseURL, cfg.APIToken, httpClient),
		node: cfg.Node,
	}, nil
}

// resolveNode resolves and caches the target node, picking the cluster's first
// reported node when none was configured.
func (c *HTTPClient) resolveNode(ctx context.Context) (string, error) {
	if c.node != "" {
		return c.node, nil
	}
	c.nodeOnce.Do(func() {
		var nodes []struct {
			Node string `json:"node"`
		}
		err := c.rh.doInto(ctx, apiRequest{Method: http.MethodGet, Endpoint: "/nodes"}, &nodes)
		if err != nil {
			c.nodeErr = err
			return
		}
		if len(nodes) == 0 {
			c.nodeErr = fmt.Errorf("no nodes found in PVE cluster")
			return
		}
		c.node = nodes[0].Node
	})
	return c.node, c.nodeErr
}

func (c *HTTPClient) startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, "pve."+op, trace.WithAttributes(attrs...))
}

func (c *HTTPClient) ListContainers(ctx context.Context) ([]ContainerSummary, error) {
	ctx, span := c.startSpan(ctx, "list_containers")
	defer span.End()

	node, err := c.resolveNode(ctx)
	if err != nil {
		return nil, err
	}
	var out []ContainerSummary
	err = c.rh.doInto(ctx, apiRequest{
		Method:   http.MethodGet,
		Endpoint: fmt.Sprintf("/nodes/%s/lxc", node),
	}, &out)
	return out, err
}

func (c *HTTPClient) GetContainerConfig(ctx context.Context, vmid int) (ContainerConfig, error) {
	ctx, span := c.startSpan(ctx, "get_container_config", attribute.Int("vmid", vmid))
	defer span.End()

	node, err := c.resolveNode(ctx)
	if err != nil {
		return ContainerConfig{}, err
	}
	var out ContainerConfig
	err = c.rh.doInto(ctx, apiRequest{
		Method:   http.MethodGet,
		Endpoint: fmt.Sprintf("/nodes/%s/lxc/%d/config", node, vmid),
	}, &out)
	return out, err
}

func (c *HTTPClient) GetContainerStatus(ctx context.Context, vmid int) (ContainerStatus, error) {
	ctx, span := c.startSpan(ctx, "get_container_status", attribute.Int("vmid", vmid))
	defer span.End()

	node, err := c.resolveNode(ctx)
	if err != nil {
		return ContainerStatus{}, err
	}
	var out ContainerStatus
	err = c.rh.doInto(ctx, apiRequest{
		Method:   http.MethodGet,
		Endpoint: fmt.Sprintf("/nodes/%s/lxc/%d/status/current", node, vmid),
	}, &out)
	return out, err
}

// LinkedClone requests a linked (not full) clone of templateVMID into
// newVMID, returning the task UPID.
func (c *HTTPClient) LinkedClone(ctx context.Context, templateVMID, newVMID int, hostname string) (string, error) {
	ctx, span := c.startSpan(ctx, "linked_clone",
		attribute.Int("template_vmid", templateVMID), attribute.Int("new_vmid", newVMID))
	defer span.End()

	node, err := c.resolveNode(ctx)
	if err != nil {
		return "", err
	}
	form := url.Values{}
	form.Set("newid", strconv.Itoa(newVMID))
	form.Set("hostname", hostname)
	form.Set("full", "0")

	data, err := c.rh.do(ctx, apiRequest{
		Method:   http.MethodPost,
		Endpoint: fmt.Sprintf("/nodes/%s/lxc/%d/clone", node, templateVMID),
		Form:     form,
	})
	if err != nil {
		return "", err
	}
	return upidTaskID(data)
}

func (c *HTTPClient) StartContainer(ctx context.Context, vmid int) (string, error) {
	return c.statusAction(ctx, "start_container", vmid, "start")
}

func (c *HTTPClient) StopContainer(ctx context.Context, vmid int) (string, error) {
	return c.statusAction(ctx, "stop_container", vmid, "stop")
}

func (c *HTTPClient) statusAction(ctx context.Context, op string, vmid int, action string) (string, error) {
	ctx, span := c.startSpan(ctx, op, attribute.Int("vmid", vmid))
	defer span.End()

	node, err := c.resolveNode(ctx)
	if err != nil {
		return "", err
	}
	data, err := c.rh.do(ctx, apiRequest{
		Method:   http.MethodPost,
		Endpoint: fmt.Sprintf("/nodes/%s/lxc/%d/status/%s", node, vmid, action),
		Form:     url.Values{},
	})
	if err != nil {
		return "", err
	}
	return upidTaskID(data)
}

func (c *HTTPClient) DeleteContainer(ctx context.Context, vmid int) (string, error) {
	ctx, span := c.startSpan(ctx, "delete_container", attribute.Int("vmid", vmid))
	defer span.End()

	node, err := c.resolveNode(ctx)
	if err != nil {
		return "", err
	}
	data, err := c.rh.do(ctx, apiRequest{
		Method:   http.MethodDelete,
		Endpoint: fmt.Sprintf("/nodes/%s/lxc/%d", node, vmid),
	})
	if err != nil {
		return "", err
	}
	return upidTaskID(data)
}

func (c *HTTPClient) SetContainerHostname(ctx context.Context, vmid int, hostname string) error {
	ctx, span := c.startSpan(ctx, "set_container_hostname", attribute.Int("vmid", vmid))
	defer span.End()

	node, err := c.resolveNode(ctx)
	if err != nil {
		return err
	}
	form := url.Values{}
	form.Set("hostname", hostname)
	_, err = c.rh.do(ctx, apiRequest{
		Method:   http.MethodPost,
		Endpoint: fmt.Sprintf("/nodes/%s/lxc/%d/config", node, vmid),
		Form:     form,
	})
	return err
}

func (c *HTTPClient) GetTaskStatus(ctx context.Context, upid string) (TaskStatus, error) {
	ctx, span := c.startSpan(ctx, "get_task_status")
	defer span.End()

	node, err := c.resolveNode(ctx)
	if err != nil {
		return TaskStatus{}, err
	}
	var out TaskStatus
	err = c.rh.doInto(ctx, apiRequest{
		Method:   http.MethodGet,
		Endpoint: fmt.Sprintf("/nodes/%s/tasks/%s/status", node, url.PathEscape(upid)),
	}, &out)
	return out, err
}

// WaitForTask polls GetTaskStatus until the task reaches "stopped", treating
// a 500 response as an implicit success (PVE discards finished task
// records after a while). An empty upid means the originating call was
// synchronous, so there is nothing to wait for.
func (c *HTTPClient) WaitForTask(ctx context.Context, upid string, timeout, pollInterval time.Duration) error {
	if upid == "" {
		return nil
	}
	ctx, span := c.startSpan(ctx, "wait_for_task")
	defer span.End()

	deadline := time.Now().Add(timeout)
	for {
		status, err := c.GetTaskStatus(ctx, upid)
		if err != nil {
			var apiErr *APIError
			if isAPIError(err, &apiErr) && apiErr.StatusCode == http.StatusInternalServerError {
				return nil
			}
			if time.Now().After(deadline) {
				return &TaskTimeoutError{UPID: upid, Timeout: timeout.String()}
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollInterval):
			}
			continue
		}

		if status.Status == "stopped" {
			if status.ExitStatus == "OK" {
				return nil
			}
			return &TaskFailedError{UPID: upid, ExitStatus: status.ExitStatus}
		}

		if time.Now().After(deadline) {
			return &TaskTimeoutError{UPID: upid, Timeout: timeout.String()}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func isAPIError(err error, target **APIError) bool {
	apiErr, ok := err.(*APIError)
	if ok {
		*target = apiErr
	}
	return ok
}

// IsLockBusy reports whether err looks like PVE's transient "locked" /
// "busy" error, the case the CloneWorker retries on.
func IsLockBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "locked") || strings.Contains(msg, "busy")
}
