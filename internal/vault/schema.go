package vault

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/execguard/internal/domain"
)

// document is the canonical on-disk shape:
//
//	{"users": {"<id>": {"spot": {...}, "futures": {...}}}, "spot": {...}, "futures": {...}}
type document struct {
	Users   map[string]*slots        `json:"users"`
	Spot    *domain.CredentialRecord `json:"spot,omitempty"`
	Futures *domain.CredentialRecord `json:"futures,omitempty"`

	// hadFlatUsers is set while decoding a per-user flat legacy layout.
	hadFlatUsers bool
}

type slots struct {
	Spot    *domain.CredentialRecord `json:"spot,omitempty"`
	Futures *domain.CredentialRecord `json:"futures,omitempty"`
}

func newDocument() document {
	return document{Users: make(map[string]*slots)}
}

func (s *slots) get(accountType domain.AccountType) *domain.CredentialRecord {
	if s == nil {
		return nil
	}
	switch accountType {
	case domain.AccountTypeSpot:
		return s.Spot
	case domain.AccountTypeFutures:
		return s.Futures
	}
	return nil
}

func (s *slots) set(accountType domain.AccountType, rec *domain.CredentialRecord) {
	switch accountType {
	case domain.AccountTypeSpot:
		s.Spot = rec
	case domain.AccountTypeFutures:
		s.Futures = rec
	}
}

func (s *slots) empty() bool {
	return s == nil || (s.Spot == nil && s.Futures == nil)
}

// scope returns the slots addressed by userID; the empty id is the global
// single-tenant slot. create allocates a missing user entry.
func (d *document) scope(userID string, create bool) *slots {
	if userID == "" {
		return &slots{Spot: d.Spot, Futures: d.Futures}
	}
	s, ok := d.Users[userID]
	if !ok && create {
		s = &slots{}
		d.Users[userID] = s
	}
	return s
}

// commit writes a global scope copy back into the document.
func (d *document) commit(userID string, s *slots) {
	if userID != "" {
		if s.empty() {
			delete(d.Users, userID)
		}
		return
	}
	d.Spot, d.Futures = s.Spot, s.Futures
}

// Shape names reported by decodeDocument.
const (
	shapeCanonical      = "canonical"
	shapeLegacyFlat     = "legacy_flat"
	shapeLegacyAccounts = "legacy_accounts"
	shapeLegacyUserFlat = "legacy_user_flat"
)

// legacyDetector recognizes one historical on-disk layout and folds it into doc.
type legacyDetector struct {
	shape  string
	match  func(top map[string]json.RawMessage) bool
	decode func(top map[string]json.RawMessage, doc *document) error
}

// detectors are evaluated in order; the first match wins.
var detectors = []legacyDetector{
	{
		// {"api_key": "...", "api_secret": "...", "testnet": true}
		shape: shapeLegacyFlat,
		match: func(top map[string]json.RawMessage) bool {
			_, ok := top["api_key"]
			return ok
		},
		decode: func(top map[string]json.RawMessage, doc *document) error {
			raw, err := json.Marshal(top)
			if err != nil {
				return err
			}
			rec, err := decodeRecord(raw, domain.AccountTypeSpot)
			if err != nil || rec == nil {
				return err
			}
			global := doc.scope("", false)
			global.set(rec.AccountType, rec)
			doc.commit("", global)
			return nil
		},
	},
	{
		// {"users": {...}, "spot": {...}, "futures": {...}} including per-user flat maps
		shape: shapeCanonical,
		match: func(top map[string]json.RawMessage) bool {
			_, users := top["users"]
			return users
		},
		decode: decodeAccountsAndUsers,
	},
	{
		// {"spot": {...}} or {"futures": {...}} without a users section
		shape: shapeLegacyAccounts,
		match: func(top map[string]json.RawMessage) bool {
			_, spot := top["spot"]
			_, futures := top["futures"]
			return spot || futures
		},
		decode: decodeAccountsAndUsers,
	},
}

// decodeDocument parses payload into the canonical document. Legacy layouts are
// normalized here once; the vault only ever serializes the canonical shape.
func decodeDocument(payload []byte) (document, string, error) {
	doc := newDocument()

	var top map[string]json.RawMessage
	if err := json.Unmarshal(payload, &top); err != nil {
		return doc, "", errors.Wrap(err, "decode credentials file")
	}

	for _, d := range detectors {
		if !d.match(top) {
			continue
		}
		if err := d.decode(top, &doc); err != nil {
			return newDocument(), "", errors.Wrapf(err, "decode %s credentials", d.shape)
		}
		shape := d.shape
		if shape == shapeCanonical && doc.hadFlatUsers {
			shape = shapeLegacyUserFlat
		}
		doc.hadFlatUsers = false
		return doc, shape, nil
	}

	// empty object or unknown keys: nothing stored
	return doc, shapeCanonical, nil
}

func decodeAccountsAndUsers(top map[string]json.RawMessage, doc *document) error {
	global := doc.scope("", false)
	for _, accountType := range domain.AccountTypes {
		raw, ok := top[string(accountType)]
		if !ok {
			continue
		}
		rec, err := decodeRecord(raw, accountType)
		if err != nil {
			return err
		}
		global.set(accountType, rec)
	}
	doc.commit("", global)

	rawUsers, ok := top["users"]
	if !ok || isJSONNull(rawUsers) {
		return nil
	}

	var users map[string]map[string]json.RawMessage
	if err := json.Unmarshal(rawUsers, &users); err != nil {
		return errors.Wrap(err, "decode users section")
	}

	for userID, entry := range users {
		if userID == "" {
			continue
		}
		s := &slots{}
		if _, flat := entry["api_key"]; flat {
			// per-user flat map: the record itself sits under the user id
			raw, err := json.Marshal(entry)
			if err != nil {
				return err
			}
			rec, err := decodeRecord(raw, domain.AccountTypeSpot)
			if err != nil {
				return errors.Wrapf(err, "decode user %s", userID)
			}
			if rec != nil {
				s.set(rec.AccountType, rec)
			}
			doc.hadFlatUsers = true
		} else {
			for _, accountType := range domain.AccountTypes {
				raw, ok := entry[string(accountType)]
				if !ok {
					continue
				}
				rec, err := decodeRecord(raw, accountType)
				if err != nil {
					return errors.Wrapf(err, "decode user %s %s", userID, accountType)
				}
				s.set(accountType, rec)
			}
		}
		if !s.empty() {
			doc.Users[userID] = s
		}
	}

	return nil
}

// wireRecord tolerates timestamps written by older releases in non-RFC3339 layouts.
type wireRecord struct {
	AccountType       domain.AccountType `json:"account_type"`
	APIKey            string             `json:"api_key"`
	APISecret         string             `json:"api_secret"`
	Testnet           bool               `json:"testnet"`
	Note              string             `json:"note"`
	UpdatedAt         string             `json:"updated_at"`
	Encrypted         bool               `json:"encrypted"`
	NeedsRotation     bool               `json:"needs_rotation"`
	RotationReason    string             `json:"rotation_reason"`
	RotationFlaggedAt string             `json:"rotation_flagged_at"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseTimestamp(value string) time.Time {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}

// decodeRecord returns nil for null or empty records.
func decodeRecord(raw json.RawMessage, fallback domain.AccountType) (*domain.CredentialRecord, error) {
	if isJSONNull(raw) {
		return nil, nil
	}

	var w wireRecord
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	if w.APIKey == "" && w.APISecret == "" {
		return nil, nil
	}

	rec := &domain.CredentialRecord{
		AccountType:    w.AccountType,
		APIKey:         w.APIKey,
		APISecret:      w.APISecret,
		Testnet:        w.Testnet,
		Note:           w.Note,
		UpdatedAt:      parseTimestamp(w.UpdatedAt),
		Encrypted:      w.Encrypted,
		NeedsRotation:  w.NeedsRotation,
		RotationReason: w.RotationReason,
	}
	if w.RotationFlaggedAt != "" {
		if ts := parseTimestamp(w.RotationFlaggedAt); !ts.IsZero() {
			rec.RotationFlaggedAt = &ts
		}
	}
	if !rec.AccountType.IsValid() {
		rec.AccountType = fallback
	}

	return rec, nil
}

func isJSONNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
