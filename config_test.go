package dnsfwd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppConfigMissingFileYieldsDefaults(t *testing.T) {
	cfg := LoadAppConfig(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.Equal(t, DefaultAppConfig(), cfg)
}

func TestLoadAppConfigPartialOverridesKeepOtherDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "options.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"localNameServer": "8.8.8.8"}`), 0o644))

	cfg := LoadAppConfig(path)
	require.Equal(t, "8.8.8.8", cfg.LocalNameServer)
	// cacheResponse defaults to true and must survive being absent from the file.
	require.True(t, cfg.CacheResponse)
	require.Equal(t, 4000, cfg.QueryTimeout)
}

func TestLoadAppConfigInvalidJSONYieldsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "options.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not valid json`), 0o644))

	cfg := LoadAppConfig(path)
	require.Equal(t, DefaultAppConfig(), cfg)
}

func TestLoadAppConfigExplicitFalseOverridesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "options.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"cacheResponse": false}`), 0o644))

	cfg := LoadAppConfig(path)
	require.False(t, cfg.CacheResponse)
}

func TestLoadRuleListMissingFileYieldsEmptyList(t *testing.T) {
	rl, err := LoadRuleList(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	require.Equal(t, 0, rl.Len())
}

func TestLoadRuleListInvalidJSONYieldsEmptyList(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0o644))

	rl, err := LoadRuleList(path)
	require.NoError(t, err)
	require.Equal(t, 0, rl.Len())
}

func TestLoadRuleListParsesEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.json")
	doc := `[{"pattern": "^ads\\.evil\\.com$", "address": "0.0.0.0"}]`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	rl, err := LoadRuleList(path)
	require.NoError(t, err)
	require.Equal(t, 1, rl.Len())
}

func TestAppConfigListenAddrsDefaultsPort(t *testing.T) {
	cfg := AppConfig{ListenOn: "127.0.0.1, 0.0.0.0:5353"}
	addrs := cfg.ListenAddrs()
	require.Equal(t, []string{"127.0.0.1:53", "0.0.0.0:5353"}, addrs)
}

func TestAppConfigQueryTimeoutDurationDefault(t *testing.T) {
	cfg := AppConfig{}
	require.Equal(t, 4*time.Second, cfg.QueryTimeoutDuration())
}
