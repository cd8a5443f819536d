package ssh

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	xssh "golang.org/x/crypto/ssh"
)

func TestGenerateEd25519Keypair(t *testing.T) {
	dir := t.TempDir()
	priv := filepath.Join(dir, "id_ed25519")
	pub, err := GenerateEd25519Keypair(priv)
	require.NoError(t, err)

	info, err := os.Stat(priv)
	require.NoError(t, err, "private key not written")
	require.Equal(t, os.FileMode(0600), info.Mode().Perm())
	require.NotEmpty(t, pub)
}

func TestLoadPrivateKeySignerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	priv := filepath.Join(dir, "id_ed25519")
	pub, err := GenerateEd25519Keypair(priv)
	require.NoError(t, err)

	signer, err := LoadPrivateKeySigner(priv)
	require.NoError(t, err)

	got := string(xssh.MarshalAuthorizedKey(signer.PublicKey()))
	require.Equal(t, pub, got, "loaded signer should match generated public key")
}

func TestLoadPrivateKeySignerMissingFile(t *testing.T) {
	_, err := LoadPrivateKeySigner(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}
