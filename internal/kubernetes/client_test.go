package k8s

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKubeconfig = `apiVersion: v1
kind: Config
clusters:
- cluster:
    server: https://127.0.0.1:6443
  name: test
contexts:
- context:
    cluster: test
    user: test
  name: test
current-context: test
users:
- name: test
  user:
    token: abc
`

func TestRestConfig_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config")
	require.NoError(t, os.WriteFile(path, []byte(testKubeconfig), 0o600))

	config, err := RestConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "https://127.0.0.1:6443", config.Host)

	client, err := NewDynamicClient(path)
	require.NoError(t, err)
	assert.NotNil(t, client)
}

func TestRestConfig_MissingFile(t *testing.T) {
	_, err := RestConfig(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestDefaultKubeconfig_PrefersEnv(t *testing.T) {
	t.Setenv("KUBECONFIG", "/tmp/custom-kubeconfig")
	assert.Equal(t, "/tmp/custom-kubeconfig", DefaultKubeconfig())
}
