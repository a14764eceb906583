package vault

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMasterKey = "unit-test-key-32-characters-long"

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := New(Config{MasterKey: testMasterKey, Salt: "test-deployment-salt"})
	require.NoError(t, err)
	return v
}

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		masterKey string
		salt      string
		wantErr   bool
	}{
		{
			name:      "valid key and salt",
			masterKey: testMasterKey,
			salt:      "salt",
			wantErr:   false,
		},
		{
			name:      "key too short",
			masterKey: "short",
			salt:      "salt",
			wantErr:   true,
		},
		{
			name:      "empty key",
			masterKey: "",
			salt:      "salt",
			wantErr:   true,
		},
		{
			name:      "empty salt",
			masterKey: testMasterKey,
			salt:      "",
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := New(Config{MasterKey: tt.masterKey, Salt: tt.salt})
			if tt.wantErr {
				require.Error(t, err)
				var keyErr *KeyError
				assert.ErrorAs(t, err, &keyErr)
				assert.Nil(t, v)
			} else {
				require.NoError(t, err)
				assert.NotNil(t, v)
			}
		})
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := newTestVault(t)

	tests := []struct {
		name      string
		plaintext map[string]interface{}
	}{
		{
			name: "aws static credentials",
			plaintext: map[string]interface{}{
				"access_key_id":     "AKIAABCD",
				"secret_access_key": "xyz",
			},
		},
		{
			name:      "empty map",
			plaintext: map[string]interface{}{},
		},
		{
			name: "nested values",
			plaintext: map[string]interface{}{
				"token":  "abc123",
				"scopes": []interface{}{"read", "write"},
				"extra":  map[string]interface{}{"tenant": "acme"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, err := v.Encrypt(tt.plaintext)
			require.NoError(t, err)

			got, err := v.Decrypt(ciphertext)
			require.NoError(t, err)
			assert.Equal(t, tt.plaintext, got)
		})
	}
}

func TestEncryptProducesVersionedEnvelope(t *testing.T) {
	v := newTestVault(t)

	ciphertext, err := v.Encrypt(map[string]interface{}{"token": "secret"})
	require.NoError(t, err)

	var envelope Envelope
	require.NoError(t, json.Unmarshal([]byte(ciphertext), &envelope))
	assert.Equal(t, EnvelopeVersion, envelope.Version)
	assert.NotEmpty(t, envelope.CreatedAt)
	assert.Len(t, envelope.Checksum, 64)
	assert.NotEmpty(t, envelope.Ciphertext)

	// Plaintext must not leak into the envelope.
	assert.NotContains(t, ciphertext, "secret")
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	v := newTestVault(t)

	ciphertext, err := v.Encrypt(map[string]interface{}{
		"access_key_id":     "AKIAABCD",
		"secret_access_key": "xyz",
	})
	require.NoError(t, err)

	var envelope Envelope
	require.NoError(t, json.Unmarshal([]byte(ciphertext), &envelope))
	sealed, err := base64.StdEncoding.DecodeString(envelope.Ciphertext)
	require.NoError(t, err)

	// Flip one byte at every position; decryption must always fail with an
	// integrity error, never return wrong data.
	for i := range sealed {
		tampered := make([]byte, len(sealed))
		copy(tampered, sealed)
		tampered[i] ^= 0x01

		envelope.Ciphertext = base64.StdEncoding.EncodeToString(tampered)
		raw, err := json.Marshal(envelope)
		require.NoError(t, err)

		_, err = v.Decrypt(string(raw))
		require.Error(t, err, "byte %d", i)
		assert.True(t, IsIntegrityError(err), "byte %d: got %v", i, err)
	}
}

func TestDecryptWithWrongKey(t *testing.T) {
	v := newTestVault(t)
	ciphertext, err := v.Encrypt(map[string]interface{}{"token": "abc"})
	require.NoError(t, err)

	other, err := New(Config{
		MasterKey: "another-master-key-32-chars-long",
		Salt:      "test-deployment-salt",
	})
	require.NoError(t, err)

	_, err = other.Decrypt(ciphertext)
	require.Error(t, err)
	assert.True(t, IsIntegrityError(err))
}

func TestDecryptMalformedEnvelope(t *testing.T) {
	v := newTestVault(t)

	tests := []struct {
		name       string
		ciphertext string
	}{
		{name: "not JSON", ciphertext: "not-an-envelope"},
		{name: "empty string", ciphertext: ""},
		{name: "wrong version", ciphertext: `{"version":"v9","created_at":"2026-01-01T00:00:00Z","checksum":"ab","ciphertext":"aGk="}`},
		{name: "missing ciphertext", ciphertext: `{"version":"v1","created_at":"2026-01-01T00:00:00Z","checksum":"ab"}`},
		{name: "invalid base64", ciphertext: `{"version":"v1","created_at":"2026-01-01T00:00:00Z","checksum":"ab","ciphertext":"!!!"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Decrypt(tt.ciphertext)
			require.Error(t, err)
			assert.True(t, IsFormatError(err), "got %v", err)
		})
	}
}

func TestKeyRotation(t *testing.T) {
	old := newTestVault(t)
	ciphertext, err := old.Encrypt(map[string]interface{}{"token": "abc"})
	require.NoError(t, err)

	// Rotated vault shares the salt but carries a new master key. Old
	// envelopes stay readable only through the old instance.
	rotated, err := New(Config{
		MasterKey: "rotated-master-key-32-chars-long",
		Salt:      "test-deployment-salt",
	})
	require.NoError(t, err)

	_, err = rotated.Decrypt(ciphertext)
	assert.True(t, IsIntegrityError(err))

	got, err := old.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "abc", got["token"])
}

func TestConcurrentUse(t *testing.T) {
	v := newTestVault(t)
	plaintext := map[string]interface{}{"token": "abc"}

	done := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func() {
			ciphertext, err := v.Encrypt(plaintext)
			if err != nil {
				done <- err
				return
			}
			_, err = v.Decrypt(ciphertext)
			done <- err
		}()
	}
	for i := 0; i < 20; i++ {
		assert.NoError(t, <-done)
	}
}
