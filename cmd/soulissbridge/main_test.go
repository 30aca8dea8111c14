package main

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-souliss/internal/bridges/souliss"
	"github.com/nerrad567/gray-logic-souliss/internal/device"
	"github.com/nerrad567/gray-logic-souliss/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-souliss/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-souliss/internal/trace"
)

// TestRun_InvalidConfig verifies run fails with invalid config path.
func TestRun_InvalidConfig(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx, "/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("GRAYLOGIC_CONFIG", "")
	if got := resolveConfigPath(""); got != defaultConfigPath {
		t.Errorf("resolveConfigPath() = %q, want %q", got, defaultConfigPath)
	}

	t.Setenv("GRAYLOGIC_CONFIG", "/etc/graylogic/souliss.yaml")
	if got := resolveConfigPath(""); got != "/etc/graylogic/souliss.yaml" {
		t.Errorf("resolveConfigPath() = %q, want env path", got)
	}
	if got := resolveConfigPath("flag.yaml"); got != "flag.yaml" {
		t.Errorf("resolveConfigPath(flag) = %q, want flag.yaml", got)
	}
}

func TestRootCommand_Subcommands(t *testing.T) {
	root := newRootCommand()
	for _, name := range []string{"run", "discover", "trace", "migrate"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("subcommand %q not found: %v", name, err)
		}
	}
}

func TestGatewayConfigs(t *testing.T) {
	nodeIndex := 5
	s := config.SoulissConfig{
		GatewayPort: 230,
		NodeIndex:   120,
		UserIndex:   70,
		Gateways: []config.SoulissGatewayConfig{
			{ID: "hall", Address: "192.168.1.77", Nodes: 3, SendInterval: 100 * time.Millisecond},
			{ID: "garage", Address: "192.168.1.78", Port: 231, NodeIndex: &nodeIndex, LocalPort: 23000},
		},
	}

	got := gatewayConfigs(&s)
	if len(got) != 2 {
		t.Fatalf("gatewayConfigs() returned %d gateways, want 2", len(got))
	}

	hall := got[0]
	if hall.Port != 230 || hall.NodeIndex != 120 || hall.UserIndex != 70 || hall.Nodes != 3 {
		t.Errorf("hall = %+v", hall)
	}
	if hall.SendInterval != 100*time.Millisecond {
		t.Errorf("hall.SendInterval = %v, want 100ms", hall.SendInterval)
	}

	garage := got[1]
	if garage.Port != 231 || garage.NodeIndex != 5 || garage.UserIndex != 70 || garage.LocalPort != 23000 {
		t.Errorf("garage = %+v", garage)
	}
}

func TestDiscoverSettings(t *testing.T) {
	s := config.SoulissConfig{
		GatewayPort: 230,
		NodeIndex:   120,
		UserIndex:   70,
		Discovery: config.SoulissDiscoveryConfig{
			Timeout: 3 * time.Second,
			Targets: []string{"192.168.1.255"},
		},
	}

	dc, err := discoverSettings(&s, discoverFlags{})
	if err != nil {
		t.Fatalf("discoverSettings() error = %v", err)
	}
	if dc.Timeout != 3*time.Second || dc.Port != 230 || dc.NodeIndex != 120 {
		t.Errorf("config defaults = %+v", dc)
	}
	if len(dc.Targets) != 1 || !dc.Targets[0].Equal(net.ParseIP("192.168.1.255")) {
		t.Errorf("Targets = %v", dc.Targets)
	}

	dc, err = discoverSettings(&s, discoverFlags{timeout: time.Second, localPort: 23001, targets: []string{"10.0.0.255", "10.0.1.255"}})
	if err != nil {
		t.Fatalf("discoverSettings(flags) error = %v", err)
	}
	if dc.Timeout != time.Second || dc.LocalPort != 23001 || len(dc.Targets) != 2 {
		t.Errorf("flag overrides = %+v", dc)
	}

	if _, err := discoverSettings(&s, discoverFlags{targets: []string{"not-an-ip"}}); err == nil {
		t.Error("discoverSettings() should reject invalid target")
	}
}

func TestLoadConfigOrDefault_MissingFile(t *testing.T) {
	cfg, err := loadConfigOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("loadConfigOrDefault() error = %v", err)
	}
	if cfg.Souliss.GatewayPort != config.DefaultGatewayPort {
		t.Errorf("GatewayPort = %d, want default", cfg.Souliss.GatewayPort)
	}
}

func TestParseFunctionCode(t *testing.T) {
	tests := []struct {
		in      string
		want    souliss.FunctionCode
		wantErr bool
	}{
		{"force", souliss.FuncForce, false},
		{"POLL_REPLY", souliss.FuncPollReply, false},
		{"0x37", souliss.FuncPollReply, false},
		{"51", souliss.FuncForce, false},
		{"0x100", 0, true},
		{"teleport", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseFunctionCode(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseFunctionCode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("parseFunctionCode(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestBuildTraceFilter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	f, err := buildTraceFilter(traceFlags{gateway: "hall", direction: "out", function: "ping", since: time.Hour}, now)
	if err != nil {
		t.Fatalf("buildTraceFilter() error = %v", err)
	}
	if f.Gateway != "hall" || *f.Direction != trace.DirectionOut || *f.Function != souliss.FuncPing {
		t.Errorf("filter = %+v", f)
	}
	if !f.Since.Equal(now.Add(-time.Hour)) {
		t.Errorf("Since = %v, want %v", f.Since, now.Add(-time.Hour))
	}

	if _, err := buildTraceFilter(traceFlags{direction: "up"}, now); err == nil {
		t.Error("buildTraceFilter() should reject invalid direction")
	}
	if _, err := buildTraceFilter(traceFlags{function: "nope"}, now); err == nil {
		t.Error("buildTraceFilter() should reject unknown function")
	}
}

func TestTraceCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.cbor")
	rec, err := trace.NewFileRecorder(path, nil)
	if err != nil {
		t.Fatalf("NewFileRecorder() error = %v", err)
	}

	ping, err := souliss.Wrap(
		souliss.BuildRequestFrame(souliss.FuncPing, 0, 0),
		souliss.RouteTo(net.ParseIP("192.168.1.77"), 120, 70),
	)
	if err != nil {
		t.Fatalf("Wrap() error = %v", err)
	}
	rec.RecordFrame("hall", true, ping)
	rec.RecordFrame("garage", true, ping)
	rec.RecordFrame("hall", false, ping)
	if err := rec.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	tests := []struct {
		name  string
		args  []string
		lines int
	}{
		{"all", []string{"trace", "-f", path}, 3},
		{"gateway", []string{"trace", "-f", path, "-g", "hall"}, 2},
		{"gateway and direction", []string{"trace", "-f", path, "-g", "hall", "-d", "out"}, 1},
		{"limit", []string{"trace", "-f", path, "-n", "2"}, 2},
		{"json", []string{"trace", "-f", path, "--json", "--function", "ping"}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			root := newRootCommand()
			root.SetOut(&out)
			root.SetArgs(tt.args)

			if err := root.ExecuteContext(context.Background()); err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			got := strings.Split(strings.TrimSpace(out.String()), "\n")
			if len(got) != tt.lines {
				t.Errorf("got %d lines, want %d:\n%s", len(got), tt.lines, out.String())
			}
		})
	}
}

func TestTraceCommand_MissingFile(t *testing.T) {
	root := newRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"trace", "-f", filepath.Join(t.TempDir(), "missing.cbor")})
	if err := root.ExecuteContext(context.Background()); err == nil {
		t.Error("trace should fail for a missing file")
	}
}

func TestMigrateCommand(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "souliss.db")
	const version = "20260301_090000"

	steps := []struct {
		args  []string
		state string
	}{
		{[]string{"migrate", "status", "--db", dbPath}, "pending"},
		{[]string{"migrate", "up", "--db", dbPath}, "applied"},
		{[]string{"migrate", "status", "--db", dbPath}, "applied"},
		{[]string{"migrate", "down", "--db", dbPath}, "pending"},
	}
	for _, step := range steps {
		var out bytes.Buffer
		root := newRootCommand()
		root.SetOut(&out)
		root.SetArgs(append(step.args, "-c", filepath.Join(t.TempDir(), "missing.yaml")))

		if err := root.ExecuteContext(context.Background()); err != nil {
			t.Fatalf("%v: Execute() error = %v", step.args, err)
		}
		var line string
		for _, l := range strings.Split(out.String(), "\n") {
			if strings.HasPrefix(l, version) {
				line = l
			}
		}
		if !strings.Contains(line, step.state) {
			t.Errorf("%v: want %s %s, got:\n%s", step.args, version, step.state, out.String())
		}
	}
}

func TestPrintDiscovered(t *testing.T) {
	found := []souliss.DiscoveredGateway{{Address: "192.168.1.77", Octet: 77}}

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)

	if err := printDiscovered(cmd, found, false); err != nil {
		t.Fatalf("printDiscovered() error = %v", err)
	}
	if !strings.Contains(out.String(), "192.168.1.77") || !strings.Contains(out.String(), "OCTET") {
		t.Errorf("table output = %q", out.String())
	}

	out.Reset()
	if err := printDiscovered(cmd, found, true); err != nil {
		t.Fatalf("printDiscovered(json) error = %v", err)
	}
	if !strings.Contains(out.String(), `"count": 1`) {
		t.Errorf("json output = %q", out.String())
	}

	out.Reset()
	if err := printDiscovered(cmd, nil, false); err != nil {
		t.Fatalf("printDiscovered(empty) error = %v", err)
	}
	if !strings.Contains(out.String(), "no gateways") {
		t.Errorf("empty output = %q", out.String())
	}
}

// fakeHistory records PruneHistory calls.
type fakeHistory struct {
	device.StateHistoryRepository

	mu        sync.Mutex
	calls     int
	retention time.Duration
	called    chan struct{}
}

func (f *fakeHistory) PruneHistory(_ context.Context, olderThan time.Duration) (int64, error) {
	f.mu.Lock()
	f.calls++
	f.retention = olderThan
	f.mu.Unlock()
	select {
	case f.called <- struct{}{}:
	default:
	}
	return 3, nil
}

func TestPruneHistoryLoop(t *testing.T) {
	h := &fakeHistory{called: make(chan struct{}, 1)}
	log := logging.NewWithWriter(&bytes.Buffer{}, config.LoggingConfig{Level: "error", Format: "text"}, "test")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pruneHistoryLoop(ctx, h, 48*time.Hour, log)
		close(done)
	}()

	select {
	case <-h.called:
	case <-time.After(2 * time.Second):
		t.Fatal("PruneHistory was not called at start")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pruneHistoryLoop did not stop on cancel")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.calls != 1 || h.retention != 48*time.Hour {
		t.Errorf("calls = %d, retention = %v", h.calls, h.retention)
	}
}
