package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SuicidePanda1738/kismet-webui/internal/config"
	"github.com/SuicidePanda1738/kismet-webui/internal/inventory"
	"github.com/SuicidePanda1738/kismet-webui/internal/supervisor"
)

type fakeController struct {
	status   []supervisor.AgentStatus
	startErr error
	stopErr  error
	started  []string
	stopped  []string
	report   supervisor.Report
	cleanup  supervisor.CleanupReport
}

func (f *fakeController) Status(context.Context) ([]supervisor.AgentStatus, error) {
	return f.status, nil
}

func (f *fakeController) Start(_ context.Context, name string) error {
	f.started = append(f.started, name)
	return f.startErr
}

func (f *fakeController) Stop(_ context.Context, name string) error {
	f.stopped = append(f.stopped, name)
	return f.stopErr
}

func (f *fakeController) Reconcile(context.Context) (supervisor.Report, error) {
	return f.report, nil
}

func (f *fakeController) Cleanup(context.Context) (supervisor.CleanupReport, error) {
	return f.cleanup, nil
}

type fakeDevices struct {
	classes [][]inventory.Class
}

func (f *fakeDevices) Enumerate(_ context.Context, classes ...inventory.Class) inventory.Result {
	f.classes = append(f.classes, classes)
	return inventory.Result{
		Devices: []inventory.Device{{Class: inventory.ClassWiFi, Interface: "wlan0", Name: "wlan0", Status: inventory.StatusAvailable}},
		Classes: []inventory.ClassResult{{Class: inventory.ClassWiFi, OK: true, Tool: "iwconfig", Count: 1}},
	}
}

func (f *fakeDevices) Probe(_ context.Context, c inventory.Class, iface string) inventory.ProbeResult {
	return inventory.ProbeResult{Class: c, Interface: iface, Available: iface == "wlan0"}
}

type fakeLogs map[string][]string

func (f fakeLogs) TailLog(name string, n int) ([]string, error) {
	lines, ok := f[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", supervisor.ErrUnknownAgent, name)
	}
	if n < len(lines) {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

func newTestServer(t *testing.T, ctl *fakeController, dev *fakeDevices) (*httptest.Server, *Client) {
	t.Helper()
	d := Deps{Controller: ctl, Log: zerolog.Nop(), Logs: fakeLogs{"kismet-push-a": {"a", "b", "c"}}}
	if dev != nil {
		d.Devices = dev
	}
	ts := httptest.NewServer(Handler(d))
	t.Cleanup(ts.Close)
	return ts, NewClient(ts.URL)
}

func TestStatus(t *testing.T) {
	ctl := &fakeController{status: []supervisor.AgentStatus{{Name: "kismet-push-a", Configured: true, Enabled: true, PID: 42}}}
	_, c := newTestServer(t, ctl, nil)

	st, err := c.Status(context.Background())
	require.NoError(t, err)
	require.Len(t, st.Agents, 1)
	assert.Equal(t, "kismet-push-a", st.Agents[0].Name)
	assert.Equal(t, 42, st.Agents[0].PID)
	assert.False(t, st.Time.IsZero())
}

func TestStartStop(t *testing.T) {
	ctl := &fakeController{}
	_, c := newTestServer(t, ctl, nil)

	require.NoError(t, c.Start(context.Background(), "kismet-push-a"))
	require.NoError(t, c.Stop(context.Background(), "kismet-push-a"))
	assert.Equal(t, []string{"kismet-push-a"}, ctl.started)
	assert.Equal(t, []string{"kismet-push-a"}, ctl.stopped)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("%w: x", supervisor.ErrUnknownAgent), http.StatusNotFound},
		{supervisor.ErrAlreadyRunning, http.StatusConflict},
		{supervisor.ErrDisabled, http.StatusConflict},
		{&config.ConfigurationError{Agent: "x", Field: "remote.host", Reason: "required"}, http.StatusUnprocessableEntity},
		{supervisor.ErrStopTimeout, http.StatusInternalServerError},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		ctl := &fakeController{startErr: tc.err}
		_, c := newTestServer(t, ctl, nil)

		err := c.Start(context.Background(), "x")
		var apiErr *Error
		require.ErrorAs(t, err, &apiErr, "err=%v", tc.err)
		assert.Equal(t, tc.code, apiErr.StatusCode, "err=%v", tc.err)
		assert.Contains(t, apiErr.Message, tc.err.Error())
	}
}

func TestStopNotRunningIsConflict(t *testing.T) {
	ctl := &fakeController{stopErr: supervisor.ErrNotRunning}
	_, c := newTestServer(t, ctl, nil)

	err := c.Stop(context.Background(), "kismet-push-a")
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	ts, _ := newTestServer(t, &fakeController{}, nil)

	resp, err := http.Get(ts.URL + "/api/agents/kismet-push-a/start")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, http.MethodPost, resp.Header.Get("Allow"))

	resp, err = http.Post(ts.URL+"/api/status", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestUnknownAction(t *testing.T) {
	ts, _ := newTestServer(t, &fakeController{}, nil)

	resp, err := http.Post(ts.URL+"/api/agents/kismet-push-a/restart", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReconcileAndCleanup(t *testing.T) {
	ctl := &fakeController{
		report:  supervisor.Report{Started: []string{"a"}, Crashed: []string{"b"}},
		cleanup: supervisor.CleanupReport{Pruned: []string{"old"}},
	}
	_, c := newTestServer(t, ctl, nil)

	rep, err := c.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, rep.Started)
	assert.Equal(t, []string{"b"}, rep.Crashed)

	cl, err := c.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, cl.Pruned)
}

func TestDevices(t *testing.T) {
	dev := &fakeDevices{}
	ts, c := newTestServer(t, &fakeController{}, dev)

	res, err := c.Devices(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, res.Devices, 1)
	assert.Equal(t, "wlan0", res.Devices[0].Interface)

	_, err = c.Devices(context.Background(), "bt")
	require.NoError(t, err)
	require.Len(t, dev.classes, 2)
	assert.Empty(t, dev.classes[0])
	assert.Equal(t, []inventory.Class{inventory.ClassBluetooth}, dev.classes[1])

	_, err = c.Devices(context.Background(), "zigbee")
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)

	resp, err := http.Get(ts.URL + "/api/devices/probe?type=wifi&iface=wlan0")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/devices/probe?type=wifi")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDevicesUnavailable(t *testing.T) {
	_, c := newTestServer(t, &fakeController{}, nil)

	_, err := c.Devices(context.Background(), "")
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestAgentLog(t *testing.T) {
	ts, c := newTestServer(t, &fakeController{}, nil)

	logs, err := c.Logs(context.Background(), "kismet-push-a", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, logs.Lines)

	_, err = c.Logs(context.Background(), "nope", 0)
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)

	resp, err := http.Get(ts.URL + "/api/agents/kismet-push-a/log?tail=0")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, &fakeController{}, nil)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
