package identity

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stewardsys/steward/pkg/persist"
)

func TestUnsetIdentity(t *testing.T) {
	id := New(persist.New(filepath.Join(t.TempDir(), "identity")))
	assert.Equal(t, "", id.SecureID())
	assert.Equal(t, "", id.InsecureID())
	assert.Equal(t, "", id.ServerUUID())
}

func TestIdentityRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity")

	id := New(persist.New(path))
	id.SetSecureID("secure-1")
	id.SetInsecureID("insecure-1")
	id.SetServerUUID("uuid-1")
	require.NoError(t, id.Save())

	p := persist.New(path)
	require.NoError(t, p.Load())
	reloaded := New(p)
	assert.Equal(t, "secure-1", reloaded.SecureID())
	assert.Equal(t, "insecure-1", reloaded.InsecureID())
	assert.Equal(t, "uuid-1", reloaded.ServerUUID())
}
