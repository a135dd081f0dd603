package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/skyblockdynamic/nestworld/pkg/log"
)

// LXDOptions configures the LXD driver.
type LXDOptions struct {
	// SocketPath is the LXD unix socket, e.g.
	// /var/snap/lxd/common/lxd/unix.socket.
	SocketPath string
	// Project scopes every request; empty means the default project.
	Project string
	// OperationTimeout bounds each lifecycle action, including the wait
	// on LXD's background operation.
	OperationTimeout time.Duration
}

// LXDDriver implements Driver against the LXD REST API.
type LXDDriver struct {
	client  *http.Client
	baseURL string
	project string
	timeout time.Duration
	logger  zerolog.Logger
}

// NewLXDDriver returns a driver bound to the LXD unix socket.
func NewLXDDriver(opts LXDOptions) *LXDDriver {
	timeout := opts.OperationTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LXDDriver{
		client: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", opts.SocketPath)
				},
			},
		},
		// The host part is ignored for unix sockets but required by
		// net/http to form a request URL.
		baseURL: "http://lxd",
		project: opts.Project,
		timeout: timeout,
		logger:  log.WithComponent("lxd"),
	}
}

// lxdResponse is the envelope LXD wraps every reply in.
type lxdResponse struct {
	Type      string          `json:"type"`
	Status    string          `json:"status"`
	ErrorCode int             `json:"error_code"`
	Error     string          `json:"error"`
	Operation string          `json:"operation"`
	Metadata  json.RawMessage `json:"metadata"`
}

type lxdInstanceState struct {
	Status  string                    `json:"status"`
	Network map[string]lxdNetworkCard `json:"network"`
}

type lxdNetworkCard struct {
	Addresses []lxdAddress `json:"addresses"`
}

type lxdAddress struct {
	Family  string `json:"family"`
	Address string `json:"address"`
	Scope   string `json:"scope"`
}

type lxdOperation struct {
	StatusCode int    `json:"status_code"`
	Err        string `json:"err"`
	Metadata   struct {
		Return int `json:"return"`
		// Output maps file descriptors ("1", "2") to log endpoints
		// when the exec recorded its output.
		Output map[string]string `json:"output"`
	} `json:"metadata"`
}

type lxdSnapshot struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

func (d *LXDDriver) do(ctx context.Context, method, path string, query url.Values, body any, headers map[string]string) (*lxdResponse, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	if d.project != "" {
		if query == nil {
			query = url.Values{}
		}
		query.Set("project", d.project)
	}
	u := d.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%s %s: %w", method, path, ErrTimeout)
		}
		return nil, fmt.Errorf("%s %s: %w: %v", method, path, ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var parsed lxdResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	}
	if resp.StatusCode >= 400 || parsed.Type == "error" {
		return nil, fmt.Errorf("%s %s: lxd error %d: %s", method, path, parsed.ErrorCode, parsed.Error)
	}

	return &parsed, nil
}

// waitOperation blocks on LXD's background operation until it settles.
func (d *LXDDriver) waitOperation(ctx context.Context, operation string) error {
	timeoutSecs := int(d.timeout.Seconds())
	query := url.Values{"timeout": []string{strconv.Itoa(timeoutSecs)}}

	resp, err := d.do(ctx, http.MethodGet, operation+"/wait", query, nil, nil)
	if err != nil {
		return err
	}

	var op lxdOperation
	if err := json.Unmarshal(resp.Metadata, &op); err != nil {
		return fmt.Errorf("failed to decode operation: %w", err)
	}
	// 200 is Success in LXD's status-code table; 400+ are failures.
	if op.StatusCode >= 400 {
		return fmt.Errorf("operation failed: %s", op.Err)
	}
	if op.StatusCode != 200 {
		return fmt.Errorf("operation did not complete in %s: %w", d.timeout, ErrTimeout)
	}
	return nil
}

// doAsync fires a request and waits for the resulting background operation.
func (d *LXDDriver) doAsync(ctx context.Context, method, path string, body any) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	resp, err := d.do(ctx, method, path, nil, body, nil)
	if err != nil {
		return err
	}
	if resp.Type != "async" || resp.Operation == "" {
		return nil
	}
	return d.waitOperation(ctx, resp.Operation)
}

// Clone creates a stopped instance from an image alias.
func (d *LXDDriver) Clone(ctx context.Context, name, image string, profiles []string) error {
	body := map[string]any{
		"name":     name,
		"profiles": profiles,
		"source": map[string]any{
			"type":  "image",
			"alias": image,
		},
	}
	if err := d.doAsync(ctx, http.MethodPost, "/1.0/instances", body); err != nil {
		return fmt.Errorf("failed to clone %s from %s: %w", name, image, err)
	}
	d.logger.Debug().Str("container", name).Str("image", image).Msg("instance cloned")
	return nil
}

func (d *LXDDriver) changeState(ctx context.Context, name, action string, force bool) error {
	body := map[string]any{
		"action":  action,
		"force":   force,
		"timeout": int(d.timeout.Seconds()),
	}
	return d.doAsync(ctx, http.MethodPut, "/1.0/instances/"+name+"/state", body)
}

// Start transitions the instance to running.
func (d *LXDDriver) Start(ctx context.Context, name string) error {
	if err := d.changeState(ctx, name, "start", false); err != nil {
		return fmt.Errorf("failed to start %s: %w", name, err)
	}
	return nil
}

// Stop halts the instance.
func (d *LXDDriver) Stop(ctx context.Context, name string, force bool) error {
	if err := d.changeState(ctx, name, "stop", force); err != nil {
		return fmt.Errorf("failed to stop %s: %w", name, err)
	}
	return nil
}

// Freeze suspends the instance in place.
func (d *LXDDriver) Freeze(ctx context.Context, name string) error {
	if err := d.changeState(ctx, name, "freeze", false); err != nil {
		return fmt.Errorf("failed to freeze %s: %w", name, err)
	}
	return nil
}

// Unfreeze resumes a frozen instance.
func (d *LXDDriver) Unfreeze(ctx context.Context, name string) error {
	if err := d.changeState(ctx, name, "unfreeze", false); err != nil {
		return fmt.Errorf("failed to unfreeze %s: %w", name, err)
	}
	return nil
}

// Delete removes the instance and its storage.
func (d *LXDDriver) Delete(ctx context.Context, name string) error {
	if err := d.doAsync(ctx, http.MethodDelete, "/1.0/instances/"+name, nil); err != nil {
		return fmt.Errorf("failed to delete %s: %w", name, err)
	}
	return nil
}

// GetState reports run state and the first global IPv4 address.
func (d *LXDDriver) GetState(ctx context.Context, name string) (*State, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	resp, err := d.do(ctx, http.MethodGet, "/1.0/instances/"+name+"/state", nil, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get state of %s: %w", name, err)
	}

	var st lxdInstanceState
	if err := json.Unmarshal(resp.Metadata, &st); err != nil {
		return nil, fmt.Errorf("failed to decode state of %s: %w", name, err)
	}

	state := &State{Status: InstanceStatus(st.Status)}
	for card, network := range st.Network {
		if card == "lo" {
			continue
		}
		for _, addr := range network.Addresses {
			if addr.Family == "inet" && addr.Scope == "global" {
				state.IPv4 = addr.Address
				break
			}
		}
		if state.IPv4 != "" {
			break
		}
	}
	return state, nil
}

// WaitIPv4 polls GetState until an address appears.
func (d *LXDDriver) WaitIPv4(ctx context.Context, name string, attempts int, delay time.Duration) (string, error) {
	for i := 0; i < attempts; i++ {
		state, err := d.GetState(ctx, name)
		if err != nil {
			return "", err
		}
		if state.IPv4 != "" {
			return state.IPv4, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
	return "", fmt.Errorf("no IPv4 for %s after %d attempts: %w", name, attempts, ErrTimeout)
}

// PushFile writes a file into the instance, creating parent directories.
func (d *LXDDriver) PushFile(ctx context.Context, name string, file FilePush) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if dir := parentDir(file.Path); dir != "" && dir != "/" {
		if err := d.mkdirAll(ctx, name, dir, file.UID, file.GID); err != nil {
			return err
		}
	}

	query := url.Values{"path": []string{file.Path}}
	if d.project != "" {
		query.Set("project", d.project)
	}
	u := d.baseURL + "/1.0/instances/" + name + "/files?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(file.Content))
	if err != nil {
		return fmt.Errorf("failed to build file push: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-LXD-type", "file")
	mode := file.Mode
	if mode == 0 {
		mode = 0o644
	}
	req.Header.Set("X-LXD-mode", fmt.Sprintf("%04o", mode))
	req.Header.Set("X-LXD-uid", strconv.Itoa(file.UID))
	req.Header.Set("X-LXD-gid", strconv.Itoa(file.GID))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to push %s to %s: %w: %v", file.Path, name, ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("failed to push %s to %s: %w", file.Path, name, ErrNotFound)
	}
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to push %s to %s: status %d: %s", file.Path, name, resp.StatusCode, raw)
	}
	return nil
}

func (d *LXDDriver) mkdirAll(ctx context.Context, name, dir string, uid, gid int) error {
	query := url.Values{"path": []string{dir}}
	headers := map[string]string{
		"X-LXD-type": "directory",
		"X-LXD-mode": "0755",
		"X-LXD-uid":  strconv.Itoa(uid),
		"X-LXD-gid":  strconv.Itoa(gid),
	}
	if _, err := d.do(ctx, http.MethodPost, "/1.0/instances/"+name+"/files", query, nil, headers); err != nil {
		return fmt.Errorf("failed to create %s in %s: %w", dir, name, err)
	}
	return nil
}

// PullFile reads a file out of the instance.
func (d *LXDDriver) PullFile(ctx context.Context, name, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	query := url.Values{"path": []string{path}}
	if d.project != "" {
		query.Set("project", d.project)
	}
	u := d.baseURL + "/1.0/instances/" + name + "/files?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build file pull: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to pull %s from %s: %w: %v", path, name, ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("failed to pull %s from %s: %w", path, name, ErrNotFound)
	}
	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("failed to pull %s from %s: status %d: %s", path, name, resp.StatusCode, raw)
	}

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from %s: %w", path, name, err)
	}
	return content, nil
}

// Exec runs a command inside the instance, waiting for it to exit.
// Output is recorded server-side, collected afterwards and discarded
// from LXD's log store.
func (d *LXDDriver) Exec(ctx context.Context, name string, command []string, env map[string]string) (*ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	body := map[string]any{
		"command":            command,
		"wait-for-websocket": false,
		"record-output":      true,
		"interactive":        false,
	}
	if len(env) > 0 {
		body["environment"] = env
	}
	resp, err := d.do(ctx, http.MethodPost, "/1.0/instances/"+name+"/exec", nil, body, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to exec in %s: %w", name, err)
	}
	if resp.Type != "async" || resp.Operation == "" {
		return nil, fmt.Errorf("exec in %s: unexpected sync response", name)
	}

	opResp, err := d.do(ctx, http.MethodGet, resp.Operation+"/wait",
		url.Values{"timeout": []string{strconv.Itoa(int(d.timeout.Seconds()))}}, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to exec in %s: %w", name, err)
	}
	var op lxdOperation
	if err := json.Unmarshal(opResp.Metadata, &op); err != nil {
		return nil, fmt.Errorf("failed to decode exec result: %w", err)
	}
	if op.StatusCode >= 400 {
		return nil, fmt.Errorf("exec in %s failed: %s", name, op.Err)
	}

	result := &ExecResult{ExitCode: op.Metadata.Return}
	if path, ok := op.Metadata.Output["1"]; ok {
		result.Stdout = d.collectExecLog(ctx, path)
	}
	if path, ok := op.Metadata.Output["2"]; ok {
		result.Stderr = d.collectExecLog(ctx, path)
	}
	return result, nil
}

// collectExecLog fetches a recorded exec output file and deletes it.
// Output is best-effort; the exit code is the contract.
func (d *LXDDriver) collectExecLog(ctx context.Context, path string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+path, nil)
	if err != nil {
		return ""
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return ""
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return ""
	}
	if del, derr := http.NewRequestWithContext(ctx, http.MethodDelete, d.baseURL+path, nil); derr == nil {
		if dresp, derr := d.client.Do(del); derr == nil {
			dresp.Body.Close()
		}
	}
	return string(raw)
}

// CreateSnapshot takes a stateless snapshot.
func (d *LXDDriver) CreateSnapshot(ctx context.Context, name, snapshot string) error {
	body := map[string]any{"name": snapshot, "stateful": false}
	if err := d.doAsync(ctx, http.MethodPost, "/1.0/instances/"+name+"/snapshots", body); err != nil {
		return fmt.Errorf("failed to snapshot %s: %w", name, err)
	}
	return nil
}

// RestoreSnapshot rolls the instance back to a snapshot.
func (d *LXDDriver) RestoreSnapshot(ctx context.Context, name, snapshot string) error {
	body := map[string]any{"restore": snapshot}
	if err := d.doAsync(ctx, http.MethodPut, "/1.0/instances/"+name, body); err != nil {
		return fmt.Errorf("failed to restore %s to %s: %w", name, snapshot, err)
	}
	return nil
}

// DeleteSnapshot discards a snapshot.
func (d *LXDDriver) DeleteSnapshot(ctx context.Context, name, snapshot string) error {
	if err := d.doAsync(ctx, http.MethodDelete, "/1.0/instances/"+name+"/snapshots/"+snapshot, nil); err != nil {
		return fmt.Errorf("failed to delete snapshot %s of %s: %w", snapshot, name, err)
	}
	return nil
}

// ListSnapshots enumerates the instance's snapshots.
func (d *LXDDriver) ListSnapshots(ctx context.Context, name string) ([]Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	query := url.Values{"recursion": []string{"1"}}
	resp, err := d.do(ctx, http.MethodGet, "/1.0/instances/"+name+"/snapshots", query, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots of %s: %w", name, err)
	}

	var raw []lxdSnapshot
	if err := json.Unmarshal(resp.Metadata, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode snapshots of %s: %w", name, err)
	}
	snapshots := make([]Snapshot, 0, len(raw))
	for _, s := range raw {
		snapshots = append(snapshots, Snapshot{Name: s.Name, CreatedAt: s.CreatedAt})
	}
	return snapshots, nil
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			if i == 0 {
				return "/"
			}
			return path[:i]
		}
	}
	return ""
}
