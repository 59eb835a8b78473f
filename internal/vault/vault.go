// Package vault stores exchange API credentials on disk, scoped globally
// (single-tenant) or per user, optionally encrypted at rest.
package vault

import (
	"encoding/json"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/execguard/internal/domain"
	"github.com/vadiminshakov/execguard/internal/storage/jsonfile"
	"go.uber.org/zap"
)

// FileName is the vault file name under the persistence root.
const FileName = "credentials.json"

// Entry credentials submitted to Save.
type Entry struct {
	AccountType domain.AccountType
	APIKey      string
	APISecret   string
	Testnet     bool
	Note        string
	// UserID scopes the entry to a tenant; empty means the global slot.
	UserID string
}

// Vault is safe for concurrent use. One lock guards the in-memory document; the
// file is written after the lock is released.
type Vault struct {
	file   *jsonfile.File
	cipher *Cipher
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	doc     document
	version uint64

	warnedUndecryptable atomic.Bool
}

// Option configures a Vault.
type Option func(*Vault)

// WithCipher enables encryption at rest.
func WithCipher(c *Cipher) Option {
	return func(v *Vault) {
		v.cipher = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(v *Vault) {
		if l != nil {
			v.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) {
		v.now = now
	}
}

// Open loads the vault stored under root. A missing or corrupt file yields an empty vault.
func Open(root string, opts ...Option) *Vault {
	v := &Vault{
		file:   jsonfile.New(filepath.Join(root, FileName)),
		logger: zap.NewNop(),
		now:    time.Now,
		doc:    newDocument(),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = v.logger.With(zap.String("component", "vault"))

	v.load()

	return v
}

func (v *Vault) load() {
	payload, err := v.file.Read()
	if err != nil {
		v.logger.Warn("credentials file unreadable, starting empty", zap.Error(err))
		return
	}
	if payload == nil {
		return
	}

	doc, shape, err := decodeDocument(payload)
	if err != nil {
		v.logger.Warn("credentials file corrupt, starting empty", zap.Error(err))
		return
	}
	if shape != shapeCanonical {
		v.logger.Info("normalized legacy credentials layout", zap.String("shape", shape))
	}

	v.doc = doc
}

// Save stores credentials and returns the record with plaintext secrets.
func (v *Vault) Save(e Entry) (domain.CredentialRecord, error) {
	if !e.AccountType.IsValid() {
		return domain.CredentialRecord{}, errors.Errorf("unsupported account type %q", e.AccountType)
	}
	apiKey, apiSecret := strings.TrimSpace(e.APIKey), strings.TrimSpace(e.APISecret)
	if apiKey == "" || apiSecret == "" {
		return domain.CredentialRecord{}, errors.New("api key and secret are required")
	}

	rec := domain.CredentialRecord{
		AccountType: e.AccountType,
		APIKey:      apiKey,
		APISecret:   apiSecret,
		Testnet:     e.Testnet,
		Note:        e.Note,
		UpdatedAt:   v.now().UTC(),
	}

	stored := rec
	if v.cipher != nil {
		encKey, err := v.cipher.Encrypt(apiKey)
		if err != nil {
			return domain.CredentialRecord{}, errors.Wrap(err, "encrypt api key")
		}
		encSecret, err := v.cipher.Encrypt(apiSecret)
		if err != nil {
			return domain.CredentialRecord{}, errors.Wrap(err, "encrypt api secret")
		}
		stored.APIKey, stored.APISecret, stored.Encrypted = encKey, encSecret, true
		rec.Encrypted = true
	}

	err := v.mutate(func(doc *document) error {
		s := doc.scope(e.UserID, true)
		s.set(e.AccountType, &stored)
		doc.commit(e.UserID, s)
		return nil
	})
	if err != nil {
		return domain.CredentialRecord{}, err
	}

	v.logger.Info("credentials saved",
		zap.String("account_type", e.AccountType.String()),
		zap.String("user_id", e.UserID),
		zap.Bool("testnet", e.Testnet),
		zap.Bool("encrypted", rec.Encrypted))

	return rec, nil
}

// Get returns the decrypted record for accountType in the given scope.
// A user scope never falls back to the global slot.
func (v *Vault) Get(accountType domain.AccountType, userID string) (domain.CredentialRecord, bool) {
	v.mu.Lock()
	var rec *domain.CredentialRecord
	if s := v.doc.scope(userID, false); s != nil {
		if r := s.get(accountType); r != nil {
			cp := *r
			rec = &cp
		}
	}
	v.mu.Unlock()

	if rec == nil {
		return domain.CredentialRecord{}, false
	}

	return v.reveal(*rec), true
}

// GetAll returns every record stored in the scope keyed by account type.
func (v *Vault) GetAll(userID string) map[domain.AccountType]domain.CredentialRecord {
	out := make(map[domain.AccountType]domain.CredentialRecord, len(domain.AccountTypes))
	for _, accountType := range domain.AccountTypes {
		if rec, ok := v.Get(accountType, userID); ok {
			out[accountType] = rec
		}
	}
	return out
}

// Clear removes the record for accountType, or every record in the scope when
// accountType is empty.
func (v *Vault) Clear(accountType domain.AccountType, userID string) error {
	if accountType != "" && !accountType.IsValid() {
		return errors.Errorf("unsupported account type %q", accountType)
	}

	return v.mutate(func(doc *document) error {
		s := doc.scope(userID, false)
		if s == nil {
			return nil
		}
		if accountType == "" {
			s.Spot, s.Futures = nil, nil
		} else {
			s.set(accountType, nil)
		}
		doc.commit(userID, s)
		return nil
	})
}

// ListUserIDs returns tenant ids with at least one stored record, sorted.
func (v *Vault) ListUserIDs() []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	ids := make([]string, 0, len(v.doc.Users))
	for id, s := range v.doc.Users {
		if !s.empty() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	return ids
}

// FlagRotation marks a record as needing manual key rotation. It never contacts the exchange.
func (v *Vault) FlagRotation(accountType domain.AccountType, userID, reason string) (domain.CredentialRecord, error) {
	var flagged domain.CredentialRecord
	err := v.mutate(func(doc *document) error {
		s := doc.scope(userID, false)
		rec := s.get(accountType)
		if rec == nil {
			return domain.ErrNoCredentials
		}
		now := v.now().UTC()
		updated := *rec
		updated.NeedsRotation = true
		updated.RotationReason = reason
		updated.RotationFlaggedAt = &now
		s.set(accountType, &updated)
		doc.commit(userID, s)
		flagged = updated
		return nil
	})
	if err != nil {
		return domain.CredentialRecord{}, err
	}

	return v.reveal(flagged), nil
}

// mutate applies fn under the lock and persists the resulting snapshot after releasing it.
func (v *Vault) mutate(fn func(doc *document) error) error {
	v.mu.Lock()
	if err := fn(&v.doc); err != nil {
		v.mu.Unlock()
		return err
	}
	v.version++
	version := v.version
	payload, err := json.MarshalIndent(v.doc, "", "  ")
	v.mu.Unlock()

	if err != nil {
		return errors.Wrap(err, "encode credentials")
	}

	if _, err := v.file.Write(version, payload); err != nil {
		return &domain.PersistenceError{Path: v.file.Path(), Err: err}
	}

	return nil
}

// reveal decrypts secrets. Records that cannot be decrypted come back with both
// secrets empty and a single warning per vault instance.
func (v *Vault) reveal(rec domain.CredentialRecord) domain.CredentialRecord {
	if !rec.Encrypted {
		return rec
	}

	if v.cipher == nil {
		v.warnUndecryptable("encryption key not configured")
		rec.APIKey, rec.APISecret = "", ""
		return rec
	}

	apiKey, errKey := v.cipher.Decrypt(rec.APIKey)
	apiSecret, errSecret := v.cipher.Decrypt(rec.APISecret)
	if errKey != nil || errSecret != nil {
		v.warnUndecryptable("encryption key does not match stored credentials")
		rec.APIKey, rec.APISecret = "", ""
		return rec
	}

	rec.APIKey, rec.APISecret = apiKey, apiSecret
	return rec
}

func (v *Vault) warnUndecryptable(reason string) {
	if v.warnedUndecryptable.CompareAndSwap(false, true) {
		v.logger.Warn("stored credentials are encrypted but cannot be decrypted", zap.String("reason", reason))
	}
}
