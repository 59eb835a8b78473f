package vault

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/execguard/internal/domain"
	"go.uber.org/zap"
)

func newTestCipher(t *testing.T, secret string) *Cipher {
	c, err := NewCipher(secret)
	require.NoError(t, err)
	return c
}

func TestVault_SaveGetPlaintext(t *testing.T) {
	root := t.TempDir()
	v := Open(root)

	rec, err := v.Save(Entry{AccountType: domain.AccountTypeSpot, APIKey: "K", APISecret: "S", Testnet: true})
	require.NoError(t, err)
	assert.False(t, rec.Encrypted)

	got, ok := v.Get(domain.AccountTypeSpot, "")
	require.True(t, ok)
	assert.Equal(t, "K", got.APIKey)
	assert.Equal(t, "S", got.APISecret)
	assert.True(t, got.Testnet)

	// reopened vault sees the same data
	reopened := Open(root)
	got, ok = reopened.Get(domain.AccountTypeSpot, "")
	require.True(t, ok)
	assert.Equal(t, "K", got.APIKey)
}

func TestVault_EncryptedRoundTrip(t *testing.T) {
	root := t.TempDir()
	v := Open(root, WithCipher(newTestCipher(t, "correct horse")))

	_, err := v.Save(Entry{AccountType: domain.AccountTypeFutures, APIKey: "K", APISecret: "S"})
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(root, FileName))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"api_key": "K"`)
	assert.Contains(t, string(raw), `"encrypted": true`)

	got, ok := Open(root, WithCipher(newTestCipher(t, "correct horse"))).Get(domain.AccountTypeFutures, "")
	require.True(t, ok)
	assert.Equal(t, "K", got.APIKey)
	assert.Equal(t, "S", got.APISecret)
	assert.True(t, got.Encrypted)
}

func TestVault_EncryptedWithoutKeyReturnsEmptySecrets(t *testing.T) {
	root := t.TempDir()
	_, err := Open(root, WithCipher(newTestCipher(t, "k1"))).
		Save(Entry{AccountType: domain.AccountTypeSpot, APIKey: "K", APISecret: "S"})
	require.NoError(t, err)

	noKey := Open(root, WithLogger(zap.NewNop()))
	got, ok := noKey.Get(domain.AccountTypeSpot, "")
	require.True(t, ok)
	assert.Empty(t, got.APIKey)
	assert.Empty(t, got.APISecret)
	assert.True(t, got.Encrypted)

	wrongKey := Open(root, WithCipher(newTestCipher(t, "k2")))
	got, ok = wrongKey.Get(domain.AccountTypeSpot, "")
	require.True(t, ok)
	assert.Empty(t, got.APIKey)
	assert.Empty(t, got.APISecret)
}

func TestVault_UsersAreIsolated(t *testing.T) {
	v := Open(t.TempDir())

	_, err := v.Save(Entry{AccountType: domain.AccountTypeFutures, APIKey: "alice-key", APISecret: "alice-secret", UserID: "alice"})
	require.NoError(t, err)
	_, err = v.Save(Entry{AccountType: domain.AccountTypeFutures, APIKey: "bob-key", APISecret: "bob-secret", UserID: "bob"})
	require.NoError(t, err)

	alice, ok := v.Get(domain.AccountTypeFutures, "alice")
	require.True(t, ok)
	bob, ok := v.Get(domain.AccountTypeFutures, "bob")
	require.True(t, ok)

	assert.Equal(t, "alice-key", alice.APIKey)
	assert.Equal(t, "bob-key", bob.APIKey)

	_, ok = v.Get(domain.AccountTypeFutures, "")
	assert.False(t, ok, "user records must not leak into the global slot")
	_, ok = v.Get(domain.AccountTypeFutures, "carol")
	assert.False(t, ok)

	assert.Equal(t, []string{"alice", "bob"}, v.ListUserIDs())
}

func TestVault_Clear(t *testing.T) {
	v := Open(t.TempDir())
	for _, accountType := range domain.AccountTypes {
		_, err := v.Save(Entry{AccountType: accountType, APIKey: "K", APISecret: "S", UserID: "u1"})
		require.NoError(t, err)
	}

	require.NoError(t, v.Clear(domain.AccountTypeSpot, "u1"))
	all := v.GetAll("u1")
	assert.Len(t, all, 1)
	assert.Contains(t, all, domain.AccountTypeFutures)

	require.NoError(t, v.Clear("", "u1"))
	assert.Empty(t, v.GetAll("u1"))
	assert.Empty(t, v.ListUserIDs())
}

func TestVault_FlagRotation(t *testing.T) {
	v := Open(t.TempDir())

	_, err := v.FlagRotation(domain.AccountTypeSpot, "", "leaked")
	assert.ErrorIs(t, err, domain.ErrNoCredentials)

	_, err = v.Save(Entry{AccountType: domain.AccountTypeSpot, APIKey: "K", APISecret: "S"})
	require.NoError(t, err)

	rec, err := v.FlagRotation(domain.AccountTypeSpot, "", "leaked")
	require.NoError(t, err)
	assert.True(t, rec.NeedsRotation)
	assert.Equal(t, "leaked", rec.RotationReason)
	require.NotNil(t, rec.RotationFlaggedAt)

	// saving a fresh key clears the reminder
	rec, err = v.Save(Entry{AccountType: domain.AccountTypeSpot, APIKey: "K2", APISecret: "S2"})
	require.NoError(t, err)
	assert.False(t, rec.NeedsRotation)
}

func TestVault_CorruptFileStartsEmpty(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, FileName), []byte("{not json"), 0o600))

	v := Open(root)
	assert.Empty(t, v.GetAll(""))

	_, err := v.Save(Entry{AccountType: domain.AccountTypeSpot, APIKey: "K", APISecret: "S"})
	require.NoError(t, err)
}

func TestVault_LegacyShapes(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		check   func(t *testing.T, v *Vault)
	}{
		{
			name:    "flat record",
			payload: `{"api_key": "K", "api_secret": "S", "testnet": true}`,
			check: func(t *testing.T, v *Vault) {
				rec, ok := v.Get(domain.AccountTypeSpot, "")
				require.True(t, ok)
				assert.Equal(t, "K", rec.APIKey)
				assert.True(t, rec.Testnet)
			},
		},
		{
			name:    "accounts without users",
			payload: `{"spot": {"api_key": "K1", "api_secret": "S1"}, "futures": {"api_key": "K2", "api_secret": "S2", "updated_at": "2024-03-01T10:00:00.123456"}}`,
			check: func(t *testing.T, v *Vault) {
				rec, ok := v.Get(domain.AccountTypeFutures, "")
				require.True(t, ok)
				assert.Equal(t, "K2", rec.APIKey)
				assert.Equal(t, domain.AccountTypeFutures, rec.AccountType)
				assert.Equal(t, 2024, rec.UpdatedAt.Year())
			},
		},
		{
			name:    "per-user flat maps",
			payload: `{"users": {"u1": {"api_key": "K", "api_secret": "S", "account_type": "futures"}}}`,
			check: func(t *testing.T, v *Vault) {
				rec, ok := v.Get(domain.AccountTypeFutures, "u1")
				require.True(t, ok)
				assert.Equal(t, "K", rec.APIKey)
				assert.Equal(t, []string{"u1"}, v.ListUserIDs())
			},
		},
		{
			name:    "canonical",
			payload: `{"users": {"u1": {"spot": {"api_key": "UK", "api_secret": "US"}}}, "spot": {"api_key": "GK", "api_secret": "GS"}}`,
			check: func(t *testing.T, v *Vault) {
				user, ok := v.Get(domain.AccountTypeSpot, "u1")
				require.True(t, ok)
				global, ok := v.Get(domain.AccountTypeSpot, "")
				require.True(t, ok)
				assert.Equal(t, "UK", user.APIKey)
				assert.Equal(t, "GK", global.APIKey)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			path := filepath.Join(root, FileName)
			require.NoError(t, os.WriteFile(path, []byte(tt.payload), 0o600))

			v := Open(root)
			tt.check(t, v)

			// loading alone never rewrites the legacy file
			raw, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, tt.payload, string(raw))
		})
	}
}

func TestVault_WritesCanonicalShape(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, FileName)
	require.NoError(t, os.WriteFile(path, []byte(`{"api_key": "K", "api_secret": "S"}`), 0o600))

	v := Open(root)
	_, err := v.Save(Entry{AccountType: domain.AccountTypeFutures, APIKey: "F", APISecret: "FS", UserID: "u1"})
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var top map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &top))
	assert.Contains(t, top, "users")
	assert.Contains(t, top, "spot")
	assert.NotContains(t, top, "api_key")
}

func TestVault_ConcurrentSaves(t *testing.T) {
	root := t.TempDir()
	v := Open(root)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			userID := string(rune('a' + i))
			_, err := v.Save(Entry{AccountType: domain.AccountTypeSpot, APIKey: "K" + userID, APISecret: "S", UserID: userID})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Len(t, v.ListUserIDs(), 20)
	assert.Len(t, Open(root).ListUserIDs(), 20)
}
