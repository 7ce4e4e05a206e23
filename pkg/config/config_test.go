package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigredctf/instancer/pkg/domain"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "memory", cfg.RegistryBackend)
	assert.Equal(t, 4*time.Hour, cfg.InstanceTTL)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, 50, cfg.MaxActive)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("REGISTRY_BACKEND", "redis")
	t.Setenv("INSTANCE_TTL", "2h")
	t.Setenv("MAX_ACTIVE_INSTANCES", "10")

	cfg := Load()
	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, "redis", cfg.RegistryBackend)
	assert.Equal(t, 2*time.Hour, cfg.InstanceTTL)
	assert.Equal(t, 10, cfg.MaxActive)
}

func TestLoadIgnoresGarbage(t *testing.T) {
	t.Setenv("INSTANCE_TTL", "not-a-duration")
	t.Setenv("MAX_ACTIVE_INSTANCES", "lots")

	cfg := Load()
	assert.Equal(t, 4*time.Hour, cfg.InstanceTTL)
	assert.Equal(t, 50, cfg.MaxActive)
}

const catalogYAML = `
challenges:
  - id: eaas-demo
    name: Encryption as a Service
    description: Break the oracle.
    image: registry.example.com/eaas:latest
    port: 1337
    category: crypto
  - id: pwn-intro
    name: Pwn Intro
    image: registry.example.com/pwn:latest
    port: 9999
    category: pwn
`

func TestParseCatalog(t *testing.T) {
	catalog, err := ParseCatalog([]byte(catalogYAML))
	require.NoError(t, err)
	require.Len(t, catalog, 2)

	eaas := catalog[domain.ChallengeID("eaas-demo")]
	assert.Equal(t, "Encryption as a Service", eaas.Name)
	assert.Equal(t, "registry.example.com/eaas:latest", eaas.Image)
	assert.Equal(t, 1337, eaas.Port)
	assert.Equal(t, "crypto", eaas.Category)
}

func TestParseCatalogRejectsBadEntries(t *testing.T) {
	cases := map[string]string{
		"missing id":    "challenges:\n  - name: x\n    image: img\n    port: 1\n",
		"missing image": "challenges:\n  - id: a\n    port: 1\n",
		"bad port":      "challenges:\n  - id: a\n    image: img\n    port: 70000\n",
		"duplicate id":  "challenges:\n  - id: a\n    image: img\n    port: 1\n  - id: a\n    image: img2\n    port: 2\n",
		"not yaml":      "{{{",
	}
	for name, doc := range cases {
		_, err := ParseCatalog([]byte(doc))
		assert.Error(t, err, name)
	}
}
