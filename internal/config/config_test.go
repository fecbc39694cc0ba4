package config_test

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/pgbridge/pgbridge/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConf = `
[server]
listen = "127.0.0.1:8080"

[[channel]]
id = "orders"
allowed_events = ["order_created"]
connection_string = "postgres://app@db/orders"
`

// writeConf creates <dir>/pgbridge.toml with the given content and returns
// its path.
func writeConf(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pgbridge.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Minimal(t *testing.T) {
	s, err := config.Load(writeConf(t, minimalConf))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", s.Server.Listen)
	require.Len(t, s.Channels, 1)
	assert.Equal(t, "orders", s.Channels[0].ID)
	assert.Equal(t, []string{"order_created"}, s.Channels[0].AllowedEvents)
	assert.Equal(t, "postgres://app@db/orders", s.Channels[0].ConnectionString)
}

func TestLoad_Defaults(t *testing.T) {
	s, err := config.Load(writeConf(t, minimalConf))
	require.NoError(t, err)

	assert.Equal(t, "pgbridge", s.Server.Title)
	assert.Equal(t, 1, s.WorkerBufferSize)
	assert.Equal(t, 1024, s.EventsBufferSize)
	assert.Equal(t, 60, s.ReconnectDelay)
	assert.Equal(t, time.Minute, s.ReconnectInterval())
	assert.Equal(t, int64(10), s.Server.MaxSSEPerIP)
	assert.Equal(t, int64(1000), s.Server.MaxSSEGlobal)

	want := runtime.NumCPU() / 2
	if want < 1 {
		want = 1
	}
	assert.Equal(t, want, s.Server.NumWorkers)
}

func TestLoad_FullServerSection(t *testing.T) {
	s, err := config.Load(writeConf(t, `
worker_buffer_size = 8
events_buffer_size = 2048
reconnect_delay = 15

[server]
listen = "0.0.0.0:443"
title = "events hub"
num_workers = 4
max_sse_per_ip = 2
max_sse_global = 0

[[channel]]
id = "orders"
allowed_events = []
connection_string = "service=orders"
`))
	require.NoError(t, err)

	assert.Equal(t, "events hub", s.Server.Title)
	assert.Equal(t, 4, s.Server.NumWorkers)
	assert.Equal(t, int64(2), s.Server.MaxSSEPerIP)
	assert.Zero(t, s.Server.MaxSSEGlobal)
	assert.Equal(t, 8, s.WorkerBufferSize)
	assert.Equal(t, 2048, s.EventsBufferSize)
	assert.Equal(t, 15*time.Second, s.ReconnectInterval())
	assert.Empty(t, s.Channels[0].AllowedEvents)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("CONF_SERVER__LISTEN", "0.0.0.0:9999")
	t.Setenv("CONF_RECONNECT_DELAY", "5")

	s, err := config.Load(writeConf(t, minimalConf))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9999", s.Server.Listen)
	assert.Equal(t, 5, s.ReconnectDelay)
}

func TestLoad_DropInChannelsAppended(t *testing.T) {
	path := writeConf(t, minimalConf)
	dropDir := filepath.Join(filepath.Dir(path), "pgbridge.d")
	require.NoError(t, os.Mkdir(dropDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dropDir, "10-audit.toml"), []byte(`
[[channel]]
id = "audit"
allowed_events = ["audit_entry"]
connection_string = "postgres://app@db/audit"
`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dropDir, "ignored.conf"), []byte("junk"), 0o644))

	s, err := config.Load(path)
	require.NoError(t, err)

	require.Len(t, s.Channels, 2)
	assert.Equal(t, "orders", s.Channels[0].ID)
	assert.Equal(t, "audit", s.Channels[1].ID)
}

func TestLoad_ChannelIDLeadingSlashTrimmed(t *testing.T) {
	s, err := config.Load(writeConf(t, `
[server]
listen = "127.0.0.1:8080"

[[channel]]
id = "/orders/new"
allowed_events = []
connection_string = "service=orders"
`))
	require.NoError(t, err)
	assert.Equal(t, "orders/new", s.Channels[0].ID)
}

func TestLoad_RelativeTLSPathsResolvedAgainstConfDir(t *testing.T) {
	path := writeConf(t, `
[server]
listen = "127.0.0.1:8443"
ssl_enabled = true
ssl_cert_file = "certs/server.crt"
ssl_key_file = "certs/server.key"

[postgres_tls]
ca_file = "certs/root.crt"

[[channel]]
id = "orders"
allowed_events = []
connection_string = "service=orders"
`)
	dir := filepath.Dir(path)

	s, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "certs/server.crt"), s.Server.SSLCertFile)
	assert.Equal(t, filepath.Join(dir, "certs/server.key"), s.Server.SSLKeyFile)
	require.NotNil(t, s.TLSFiles())
	assert.Equal(t, filepath.Join(dir, "certs/root.crt"), s.TLSFiles().CAFile)
}

func TestLoad_TLSFilesNilWithoutSection(t *testing.T) {
	s, err := config.Load(writeConf(t, minimalConf))
	require.NoError(t, err)
	assert.Nil(t, s.TLSFiles())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		conf    string
		wantErr string
	}{
		{
			name: "missing listen",
			conf: `
[[channel]]
id = "orders"
connection_string = "service=orders"
`,
			wantErr: "server.listen is required",
		},
		{
			name: "bad listen port",
			conf: `
[server]
listen = "127.0.0.1:notaport"

[[channel]]
id = "orders"
connection_string = "service=orders"
`,
			wantErr: "invalid port",
		},
		{
			name: "ssl without key",
			conf: `
[server]
listen = "127.0.0.1:8443"
ssl_enabled = true
ssl_cert_file = "server.crt"

[[channel]]
id = "orders"
connection_string = "service=orders"
`,
			wantErr: "ssl_key_file",
		},
		{
			name: "negative sse cap",
			conf: `
[server]
listen = "127.0.0.1:8080"
max_sse_per_ip = -1

[[channel]]
id = "orders"
connection_string = "service=orders"
`,
			wantErr: "sse caps",
		},
		{
			name: "duplicate channel ids",
			conf: `
[server]
listen = "127.0.0.1:8080"

[[channel]]
id = "orders"
connection_string = "service=a"

[[channel]]
id = "orders"
connection_string = "service=b"
`,
			wantErr: `duplicate channel id "orders"`,
		},
		{
			name: "missing connection string",
			conf: `
[server]
listen = "127.0.0.1:8080"

[[channel]]
id = "orders"
`,
			wantErr: "connection_string is required",
		},
		{
			name: "invalid event name",
			conf: `
[server]
listen = "127.0.0.1:8080"

[[channel]]
id = "orders"
allowed_events = ["bad;drop table"]
connection_string = "service=orders"
`,
			wantErr: "invalid event name",
		},
		{
			name: "zero events buffer",
			conf: `
events_buffer_size = 0

[server]
listen = "127.0.0.1:8080"

[[channel]]
id = "orders"
connection_string = "service=orders"
`,
			wantErr: "events_buffer_size",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConf(t, tt.conf))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}
