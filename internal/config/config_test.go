package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"pagecache/internal/ring"
)

func TestParseWorkers(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []ring.Worker
		wantErr bool
	}{
		{
			name:  "empty string",
			input: "",
			want:  []ring.Worker{},
		},
		{
			name:  "single host",
			input: "worker1",
			want: []ring.Worker{
				{Host: "worker1", DataPort: ring.DefaultDataPort, WebPort: ring.DefaultWebPort},
			},
		},
		{
			name:  "multiple with ports",
			input: "10.0.0.1,10.0.0.2:28081,10.0.0.3",
			want: []ring.Worker{
				{Host: "10.0.0.1", DataPort: ring.DefaultDataPort, WebPort: ring.DefaultWebPort},
				{Host: "10.0.0.2", DataPort: ring.DefaultDataPort, WebPort: 28081},
				{Host: "10.0.0.3", DataPort: ring.DefaultDataPort, WebPort: ring.DefaultWebPort},
			},
		},
		{
			name:  "with spaces and empty items",
			input: " a , ,b:1 ",
			want: []ring.Worker{
				{Host: "a", DataPort: ring.DefaultDataPort, WebPort: ring.DefaultWebPort},
				{Host: "b", DataPort: ring.DefaultDataPort, WebPort: 1},
			},
		},
		{
			name:  "ipv6",
			input: "::1,[fe80::2]:28081",
			want: []ring.Worker{
				{Host: "::1", DataPort: ring.DefaultDataPort, WebPort: ring.DefaultWebPort},
				{Host: "fe80::2", DataPort: ring.DefaultDataPort, WebPort: 28081},
			},
		},
		{
			name:    "invalid port",
			input:   "a:http",
			wantErr: true,
		},
		{
			name:    "port out of range",
			input:   "a:70000",
			wantErr: true,
		},
		{
			name:    "empty host",
			input:   ":28080",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseWorkers(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		input   string
		want    Size
		wantErr bool
	}{
		{input: "1MiB", want: 1 << 20},
		{input: "1MB", want: 1_000_000},
		{input: "4 KiB", want: 4096},
		{input: "1048576", want: 1 << 20},
		{input: "lots", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSize(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ModeStatic, cfg.Membership.Mode)
	assert.Equal(t, 10*time.Second, cfg.RefreshInterval())
	assert.Equal(t, 128, cfg.Ring.VirtualNodesPerWorker)
	assert.Equal(t, 1, cfg.Ring.ReplicaCount)
	assert.Equal(t, RouteByPage, cfg.Ring.RouteBy)
	assert.Equal(t, Size(1<<20), cfg.Page.Size)
	assert.Equal(t, "1.0 MiB", cfg.Page.Size.String())
	assert.Equal(t, 64, cfg.Client.MaxConcurrentRequests)
	assert.Equal(t, 30*time.Second, cfg.RequestTimeout())
	assert.Equal(t, "DefaultAlluxioCluster", cfg.Membership.Etcd.ClusterName)
	assert.Equal(t, 5*time.Second, cfg.DialTimeout())

	// Defaults alone lack workers.
	assert.Error(t, cfg.Validate())
}

func TestParse_Static(t *testing.T) {
	cfg, err := Parse([]byte(`
membership:
  workers: ["10.0.0.1", "10.0.0.2:28081"]
page:
  size: 4MiB
client:
  maxConcurrentRequests: 16
`))
	require.NoError(t, err)

	ws, err := cfg.Workers()
	require.NoError(t, err)
	assert.Len(t, ws, 2)
	assert.Equal(t, Size(4<<20), cfg.Page.Size)
	assert.Equal(t, 16, cfg.Client.MaxConcurrentRequests)
	// Unset options keep their defaults.
	assert.Equal(t, 128, cfg.Ring.VirtualNodesPerWorker)
	assert.Equal(t, 30, cfg.Client.RequestTimeoutSeconds)
}

func TestParse_Dynamic(t *testing.T) {
	cfg, err := Parse([]byte(`
membership:
  mode: dynamic
  refreshIntervalSeconds: 120
  etcd:
    endpoints: ["etcd-0:2379", "etcd-1:2379"]
    clusterName: prod
ring:
  replicaCount: 0
  routeBy: path
page:
  size: 1048576
`))
	require.NoError(t, err)
	assert.Equal(t, ModeDynamic, cfg.Membership.Mode)
	assert.Equal(t, 2*time.Minute, cfg.RefreshInterval())
	assert.Equal(t, "prod", cfg.Membership.Etcd.ClusterName)
	assert.Equal(t, 0, cfg.Ring.ReplicaCount)
	assert.Equal(t, RouteByPath, cfg.Ring.RouteBy)
	assert.Equal(t, Size(1<<20), cfg.Page.Size)
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Membership.Mode = ModeDynamic
	cfg.Membership.Etcd.Username = "root"
	cfg.Ring.VirtualNodesPerWorker = 0
	cfg.Ring.RouteBy = "file"
	cfg.Page.Size = 0
	cfg.Client.MaxConcurrentRequests = -1
	cfg.Log.Level = "loud"

	err := cfg.Validate()
	require.Error(t, err)

	errs := multierr.Errors(err)
	assert.Len(t, errs, 7)
	msg := err.Error()
	for _, want := range []string{
		"membership.etcd.endpoints",
		"username and membership.etcd.password",
		"virtualNodesPerWorker",
		"routeBy",
		"page.size",
		"maxConcurrentRequests",
		"log.level",
	} {
		assert.True(t, strings.Contains(msg, want), "missing %q in %q", want, msg)
	}
}

func TestValidate_BadMode(t *testing.T) {
	cfg := Default()
	cfg.Membership.Mode = "gossip"
	assert.ErrorContains(t, cfg.Validate(), "membership.mode")
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse([]byte("page:\n  size: huge\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("membership: [\n"))
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pagecache.yaml")
	require.NoError(t, os.WriteFile(path, []byte("membership:\n  workers: [a]\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, cfg.Membership.Workers)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateEngine_IgnoresMembership(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.Validate())
	assert.NoError(t, cfg.ValidateEngine())

	cfg.Page.Size = -1
	assert.ErrorContains(t, cfg.ValidateEngine(), "page.size")
}
