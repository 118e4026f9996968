package offlinegw

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigOverridesDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
server:
  origin: https://sispac.example/
cache:
  version: v7
  staticExtensions: [".JS", ".woff2"]
storage:
  backend: memory
  ram:
    max: 16mb
lifecycle:
  installRetry: 5s
logging:
  logStatsEvery: 1m
`))
	require.NoError(t, err)

	assert.Equal(t, "https://sispac.example", cfg.Server.Origin)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sispac-static-v7", cfg.StaticGeneration())
	assert.Equal(t, "sispac-dynamic-v7", cfg.DynamicGeneration())
	assert.Equal(t, []string{".js", ".woff2"}, cfg.Cache.StaticExtensions)
	assert.Equal(t, []string{"/", "/manifest.json", "/favicon.ico"}, cfg.Cache.Manifest)
	assert.Equal(t, int64(16<<20), cfg.ramBytes)
	assert.Equal(t, 5*time.Second, cfg.installRetryDur)
	assert.Equal(t, 30*time.Second, cfg.fetchTimeoutDur)
	assert.Equal(t, time.Minute, cfg.logStatsEveryDur)
	assert.Equal(t, "SisPAC", cfg.Notifications.Title)
}

func TestParseConfigRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing origin":  `cache: {version: v1}`,
		"relative origin": `server: {origin: app.example}`,
		"empty version":   "server: {origin: 'https://a.example'}\ncache: {version: ' '}",
		"manifest path":   "server: {origin: 'https://a.example'}\ncache: {manifest: [index.html]}",
		"extension":       "server: {origin: 'https://a.example'}\ncache: {staticExtensions: [js]}",
		"api prefix":      "server: {origin: 'https://a.example'}\napi: {prefixes: [api]}",
		"backend":         "server: {origin: 'https://a.example'}\nstorage: {backend: s3}",
		"redis addr":      "server: {origin: 'https://a.example'}\nstorage: {backend: redis}",
		"byte size":       "server: {origin: 'https://a.example'}\nstorage: {ram: {max: lots}}",
		"duration":        "server: {origin: 'https://a.example'}\nlifecycle: {installRetry: soon}",
		"malformed yaml":  "server: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(doc))
			require.Error(t, err)
			assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offlinegw.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  origin: http://localhost:3000\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:3000", cfg.Server.Origin)
	assert.Equal(t, "leveldb", cfg.Storage.Backend)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, errors.CodeInvalidConfig, errors.GetCode(err))
}

func TestGenerationNameSkipsEmptyParts(t *testing.T) {
	assert.Equal(t, "static-v1", generationName("", "static", "v1"))
	assert.Equal(t, "app-dynamic-2024", generationName(" app ", "dynamic", "2024"))
}
