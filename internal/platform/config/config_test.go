package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"midas/internal/project/models"
)

const sampleYAML = `
backend: fsbased
fsbased: {root_dir: /var/dbio}
redis: {url: "redis://localhost:6379/0", pool_size: 4, dial_timeout: 2s}
log: {level: debug, format: text}
collections:
  dmp:
    default_shoulder: mdm0
    clients:
      midas:   {default_shoulder: mdm1, allowed_shoulders: [mdm1, mdmx]}
      default: {default_shoulder: mdm0}
    localid_providers: [pdr0]
    superusers: [admin]
    default_perms: {read: ["grp0:public"]}
    review_systems: [simrev]
    validator: {required: [title]}
  dap:
    default_shoulder: mds3
    auto_accept_without_review: false
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dbio.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("DBIO_LOG_LEVEL", "")
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, BackendFSBased, cfg.Backend)
	assert.Equal(t, "/var/dbio", cfg.FSBased.RootDir)
	assert.Equal(t, 4, cfg.Redis.PoolSize)
	assert.Equal(t, 2*time.Second, cfg.Redis.DialTimeout)
	assert.Equal(t, 3*time.Second, cfg.Redis.ReadTimeout, "default kept")
	assert.Equal(t, ":9090", cfg.Ops.Addr, "default kept")
	assert.Equal(t, []string{"dap", "dmp"}, cfg.CollectionNames())

	dmp, err := cfg.Collection("dmp")
	require.NoError(t, err)
	policy := dmp.Policy()
	assert.Equal(t, "mdm0", policy.DefaultShoulder)
	assert.Equal(t, []string{"mdm1", "mdmx"}, policy.Groups["midas"].AllowedShoulders)
	assert.Equal(t, []string{"pdr0"}, policy.LocalIDProviders)
	assert.True(t, dmp.AutoAccept())
	perms, err := dmp.Perms()
	require.NoError(t, err)
	assert.Equal(t, []string{models.PublicGroup}, perms.Read)
	assert.Empty(t, perms.Write)

	dap, err := cfg.Collection("dap")
	require.NoError(t, err)
	assert.False(t, dap.AutoAccept())

	_, err = cfg.Collection("pdr")
	assert.ErrorIs(t, err, ErrUnknownCollection)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, BackendMemory, cfg.Backend)
	assert.Equal(t, []string{DefaultCollection}, cfg.CollectionNames())
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"DBIO_BACKEND":         "postgres",
		"DBIO_POSTGRES_DSN":    "postgres://dbio@localhost/dbio",
		"DBIO_OPS_ADDR":        ":9999",
		"DBIO_REDIS_POOL_SIZE": "32",
	}
	cfg := Default()
	cfg.ApplyEnv(func(k string) string { return env[k] })

	assert.Equal(t, BackendPostgres, cfg.Backend)
	assert.Equal(t, "postgres://dbio@localhost/dbio", cfg.Postgres.DSN)
	assert.Equal(t, ":9999", cfg.Ops.Addr)
	assert.Equal(t, 32, cfg.Redis.PoolSize)
	assert.Equal(t, "info", cfg.Log.Level)
}

// TestValidateCollectsEveryProblem verifies all problems are reported together.
func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Backend = "mongo"
	cfg.Log.Level = "loud"
	cfg.Notifier.Kind = "redis"
	cfg.Collections = map[string]CollectionConfig{
		"dmp": {
			DefaultShoulder: "mdm-0",
			DefaultPerms:    PermsConfig{Write: []string{""}},
			ReviewSystems:   []string{"simrev", "simrev"},
		},
	}

	err := cfg.Validate()
	require.Error(t, err)
	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 6)
	assert.Contains(t, err.Error(), `unknown backend "mongo"`)
	assert.Contains(t, err.Error(), "redis.url is required for the redis notifier")
	assert.Contains(t, err.Error(), `invalid shoulder "mdm-0"`)

	t.Run("missing backend settings", func(t *testing.T) {
		for backend, want := range map[string]string{
			BackendFSBased:  "fsbased.root_dir",
			BackendPostgres: "postgres.dsn",
			BackendRedis:    "redis.url",
		} {
			cfg := Default()
			cfg.Backend = backend
			cfg.Collections = map[string]CollectionConfig{"dmp": {}}
			err := cfg.Validate()
			require.Error(t, err, backend)
			assert.Contains(t, err.Error(), want)
		}
	})

	t.Run("no collections", func(t *testing.T) {
		err := Default().Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at least one collection")
	})
}
