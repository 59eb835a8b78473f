// Package credentials applies, tests and rotates exchange credentials stored in the vault.
//
// Requests scoped to a user only ever probe connectivity with a throwaway client. The
// shared engine is touched only by unscoped (single-tenant) requests.
package credentials

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/execguard/internal/domain"
	"github.com/vadiminshakov/execguard/internal/exchange"
	"github.com/vadiminshakov/execguard/internal/vault"
	"go.uber.org/zap"
)

const defaultProbeTimeout = 15 * time.Second

// Engine is the shared trading engine the single-tenant path enables.
type Engine interface {
	EnableLive(ctx context.Context, accountType domain.AccountType, creds exchange.Credentials) error
	Disable(accountType domain.AccountType)
	Status() map[domain.AccountType]exchange.Status
}

// EventSink receives structured log events.
type EventSink interface {
	Publish(e domain.LogEvent)
}

// ProbeResult outcome of a connectivity check.
type ProbeResult struct {
	Connected bool   `json:"connected"`
	Testnet   bool   `json:"testnet"`
	Error     string `json:"error,omitempty"`
}

// AccountStatus masked view of one stored credential. Raw secrets never appear here.
type AccountStatus struct {
	AccountType    domain.AccountType `json:"account_type"`
	Configured     bool               `json:"configured"`
	MaskedKey      string             `json:"api_key,omitempty"`
	Testnet        bool               `json:"testnet"`
	Note           string             `json:"note,omitempty"`
	UpdatedAt      *time.Time         `json:"updated_at,omitempty"`
	Encrypted      bool               `json:"encrypted"`
	NeedsRotation  bool               `json:"needs_rotation,omitempty"`
	RotationReason string             `json:"rotation_reason,omitempty"`
	Probe          *ProbeResult       `json:"probe,omitempty"`
	Engine         *exchange.Status   `json:"engine,omitempty"`
}

// Service is safe for concurrent use; it keeps no state of its own.
type Service struct {
	vault        *vault.Vault
	engine       Engine
	dialers      map[domain.AccountType]exchange.Dialer
	l            *zap.Logger
	sink         EventSink
	termsOK      bool
	probeTimeout time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.l = l
		}
	}
}

// WithEventSink sets the structured event sink.
func WithEventSink(sink EventSink) Option {
	return func(s *Service) {
		s.sink = sink
	}
}

// WithLiveTermsAccepted allows non-testnet credentials to enable trading.
func WithLiveTermsAccepted(accepted bool) Option {
	return func(s *Service) {
		s.termsOK = accepted
	}
}

// WithProbeTimeout bounds each connectivity probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.probeTimeout = d
		}
	}
}

// NewService creates a credential service. engine may be nil when no shared engine runs.
func NewService(v *vault.Vault, engine Engine, dialers map[domain.AccountType]exchange.Dialer, opts ...Option) *Service {
	s := &Service{
		vault:        v,
		engine:       engine,
		dialers:      dialers,
		l:            zap.NewNop(),
		probeTimeout: defaultProbeTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.l = s.l.With(zap.String("component", "credentials"))

	return s
}

// Apply activates credentials. When creds is nil the stored record for the scope is used.
// With a userID only a connectivity probe runs; without one the shared engine is enabled.
// Non-testnet credentials fail with domain.ErrLiveTradingBlocked unless live terms were accepted.
func (s *Service) Apply(ctx context.Context, accountType domain.AccountType, creds *exchange.Credentials, userID string) error {
	if !accountType.IsValid() {
		return errors.Errorf("unsupported account type %q", accountType)
	}
	c, err := s.resolve(accountType, creds, userID)
	if err != nil {
		return err
	}

	if !c.Testnet && !s.termsOK {
		s.l.Warn("live credentials blocked", zap.String("account_type", accountType.String()), zap.String("user_id", userID))
		s.publish(domain.SeverityError, "LIVE_TRADING_BLOCKED", accountType, userID,
			"live credentials rejected: terms of use not accepted", nil)
		return domain.ErrLiveTradingBlocked
	}

	if userID != "" {
		res := s.probe(ctx, accountType, c)
		s.publishProbe(accountType, userID, res)
		if !res.Connected {
			return &domain.ConnectionError{AccountType: accountType, Op: "probe", Err: errors.New(res.Error)}
		}
		return nil
	}

	if s.engine == nil {
		return errors.New("no trading engine configured")
	}
	if err := s.engine.EnableLive(ctx, accountType, c); err != nil {
		s.l.Error("apply credentials", zap.String("account_type", accountType.String()), zap.Error(err))
		s.publish(domain.SeverityError, "CREDENTIALS_APPLY_FAILED", accountType, "", "failed to enable trading", map[string]any{
			"error":   err.Error(),
			"testnet": c.Testnet,
		})
		return err
	}

	s.l.Info("credentials applied", zap.String("account_type", accountType.String()), zap.Bool("testnet", c.Testnet))
	s.publish(domain.SeverityInfo, "CREDENTIALS_APPLIED", accountType, "", "trading enabled", map[string]any{
		"testnet": c.Testnet,
	})

	return nil
}

// Test probes connectivity without touching any shared state. When creds is nil the
// stored record for the scope is used.
func (s *Service) Test(ctx context.Context, accountType domain.AccountType, creds *exchange.Credentials, userID string) (ProbeResult, error) {
	if !accountType.IsValid() {
		return ProbeResult{}, errors.Errorf("unsupported account type %q", accountType)
	}
	c, err := s.resolve(accountType, creds, userID)
	if err != nil {
		return ProbeResult{}, err
	}

	res := s.probe(ctx, accountType, c)
	s.publishProbe(accountType, userID, res)

	return res, nil
}

// Save stores credentials and returns their masked view.
func (s *Service) Save(e vault.Entry) (AccountStatus, error) {
	rec, err := s.vault.Save(e)
	if err != nil {
		return AccountStatus{}, errors.Wrap(err, "save credentials")
	}

	s.publish(domain.SeverityInfo, "CREDENTIALS_SAVED", e.AccountType, e.UserID, "credentials saved", map[string]any{
		"testnet":   rec.Testnet,
		"encrypted": rec.Encrypted,
	})

	return maskedStatus(rec), nil
}

// Clear removes stored credentials for the scope. An unscoped clear also disables the
// shared engine for the account type, or for every account type when accountType is empty.
func (s *Service) Clear(accountType domain.AccountType, userID string) error {
	if err := s.vault.Clear(accountType, userID); err != nil {
		return errors.Wrap(err, "clear credentials")
	}

	if userID == "" && s.engine != nil {
		if accountType == "" {
			for _, at := range domain.AccountTypes {
				s.engine.Disable(at)
			}
		} else {
			s.engine.Disable(accountType)
		}
	}

	s.publish(domain.SeverityInfo, "CREDENTIALS_CLEARED", accountType, userID, "credentials cleared", nil)

	return nil
}

// Status returns the masked view of every account type in the scope. probe adds a live
// connectivity check for each configured account.
func (s *Service) Status(ctx context.Context, userID string, probe bool) map[domain.AccountType]AccountStatus {
	stored := s.vault.GetAll(userID)

	var engine map[domain.AccountType]exchange.Status
	if userID == "" && s.engine != nil {
		engine = s.engine.Status()
	}

	out := make(map[domain.AccountType]AccountStatus, len(domain.AccountTypes))
	for _, at := range domain.AccountTypes {
		st := AccountStatus{AccountType: at}
		if rec, ok := stored[at]; ok {
			st = maskedStatus(rec)
			if probe && rec.HasSecrets() {
				res := s.probe(ctx, at, credsOf(rec))
				st.Probe = &res
			}
		}
		if es, ok := engine[at]; ok {
			st.Engine = &es
		}
		out[at] = st
	}

	return out
}

// Rotate flags stored credentials as needing manual rotation. The exchange is not contacted.
func (s *Service) Rotate(accountType domain.AccountType, userID, reason string) (AccountStatus, error) {
	rec, err := s.vault.FlagRotation(accountType, userID, reason)
	if err != nil {
		return AccountStatus{}, errors.Wrap(err, "flag rotation")
	}

	s.l.Warn("credential rotation requested",
		zap.String("account_type", accountType.String()),
		zap.String("user_id", userID),
		zap.String("reason", reason))
	s.publish(domain.SeverityWarning, "CREDENTIAL_ROTATION_FLAGGED", accountType, userID, "credentials need rotation", map[string]any{
		"reason": reason,
	})

	return maskedStatus(rec), nil
}

func (s *Service) resolve(accountType domain.AccountType, creds *exchange.Credentials, userID string) (exchange.Credentials, error) {
	if creds != nil {
		return *creds, nil
	}

	rec, ok := s.vault.Get(accountType, userID)
	if !ok || !rec.HasSecrets() {
		return exchange.Credentials{}, errors.Wrapf(domain.ErrNoCredentials, "%s", accountType)
	}

	return credsOf(rec), nil
}

// probe connects a throwaway client. It shares nothing with the engine.
func (s *Service) probe(ctx context.Context, accountType domain.AccountType, creds exchange.Credentials) ProbeResult {
	res := ProbeResult{Testnet: creds.Testnet}

	dial, ok := s.dialers[accountType]
	if !ok {
		res.Error = "no dialer for account type " + accountType.String()
		return res
	}
	c, err := exchange.NewClient(exchange.Config{
		AccountType:    accountType,
		Credentials:    creds,
		ConnectTimeout: s.probeTimeout,
	}, dial, exchange.WithLogger(s.l))
	if err != nil {
		res.Error = err.Error()
		return res
	}

	res.Connected = c.Connect(ctx)
	if !res.Connected {
		res.Error = c.LastError()
	}

	return res
}

func (s *Service) publishProbe(accountType domain.AccountType, userID string, res ProbeResult) {
	severity := domain.SeverityInfo
	if !res.Connected {
		severity = domain.SeverityWarning
	}
	details := map[string]any{"connected": res.Connected, "testnet": res.Testnet}
	if res.Error != "" {
		details["error"] = res.Error
	}
	s.publish(severity, "CREDENTIALS_TESTED", accountType, userID, "credential connectivity probe", details)
}

func (s *Service) publish(severity domain.Severity, eventType string, accountType domain.AccountType, userID, message string, details map[string]any) {
	if s.sink == nil {
		return
	}
	e := domain.NewLogEvent(eventType, severity, accountType, message, details)
	e.UserID = userID
	s.sink.Publish(e)
}

func credsOf(rec domain.CredentialRecord) exchange.Credentials {
	return exchange.Credentials{APIKey: rec.APIKey, APISecret: rec.APISecret, Testnet: rec.Testnet}
}

func maskedStatus(rec domain.CredentialRecord) AccountStatus {
	st := AccountStatus{
		AccountType:    rec.AccountType,
		Configured:     rec.HasSecrets(),
		MaskedKey:      rec.MaskedKey(),
		Testnet:        rec.Testnet,
		Note:           rec.Note,
		Encrypted:      rec.Encrypted,
		NeedsRotation:  rec.NeedsRotation,
		RotationReason: rec.RotationReason,
	}
	if !rec.UpdatedAt.IsZero() {
		t := rec.UpdatedAt
		st.UpdatedAt = &t
	}

	return st
}
