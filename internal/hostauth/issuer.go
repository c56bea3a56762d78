// Package hostauth issues and verifies host tokens: signed credentials that
// let a session's creator recover host authority after a reload or on another
// device. A token is valid while its signature checks out, it has not expired,
// the ledger still knows it and its session has not ended.
package hostauth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"sanctuary-live/internal/model"
	"sanctuary-live/internal/reason"
)

var ErrInvalidToken = reason.ErrInvalidToken

const DefaultTTL = 48 * time.Hour

type SessionLookup interface {
	Get(id string) (model.Session, bool)
}

type Config struct {
	Secret string
	TTL    time.Duration
	Issuer string
}

type hostClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// SessionInfo is what a verified token grants.
type SessionInfo struct {
	Session model.Session
	Token   model.HostToken
}

type Issuer struct {
	cfg      Config
	ledger   Ledger
	sessions SessionLookup
	now      func() time.Time
	log      zerolog.Logger
}

type Option func(*Issuer)

func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(i *Issuer) { i.log = log.With().Str("module", "hostauth").Logger() }
}

func NewIssuer(cfg Config, ledger Ledger, sessions SessionLookup, opts ...Option) (*Issuer, error) {
	if cfg.Secret == "" {
		return nil, errors.New("missing secret")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "sanctuary-live/host"
	}
	i := &Issuer{
		cfg:      cfg,
		ledger:   ledger,
		sessions: sessions,
		now:      time.Now,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

func sessionUsable(sess model.Session, now time.Time) error {
	if sess.Status == model.SessionEnded || sess.Expired(now) {
		return reason.ErrSessionEnded
	}
	return nil
}

// Issue mints a new host token for sessionID. Previously issued tokens stay
// valid.
func (i *Issuer) Issue(ctx context.Context, sessionID string) (model.HostToken, error) {
	sess, ok := i.sessions.Get(sessionID)
	if !ok {
		return model.HostToken{}, reason.ErrSessionNotFound
	}
	now := i.now()
	if err := sessionUsable(sess, now); err != nil {
		return model.HostToken{}, err
	}

	// NumericDate has second precision; truncate so the ledger and the claims agree.
	issuedAt := now.Truncate(time.Second)
	tok := model.HostToken{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		IssuedAt:  issuedAt,
		ExpiresAt: issuedAt.Add(i.cfg.TTL),
	}
	claims := hostClaims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.cfg.Issuer,
			ID:        tok.ID,
			IssuedAt:  jwt.NewNumericDate(tok.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(tok.ExpiresAt),
		},
	}
	value, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(i.cfg.Secret))
	if err != nil {
		return model.HostToken{}, err
	}
	tok.Value = value

	if err := i.ledger.Record(ctx, Entry{
		ID:        tok.ID,
		SessionID: tok.SessionID,
		IssuedAt:  tok.IssuedAt,
		ExpiresAt: tok.ExpiresAt,
	}); err != nil {
		return model.HostToken{}, err
	}

	i.log.Info().Str("session", sessionID).Str("jti", tok.ID).Time("expires", tok.ExpiresAt).Msg("host token issued")
	return tok, nil
}

func (i *Issuer) Verify(ctx context.Context, value string) (SessionInfo, error) {
	if value == "" {
		return SessionInfo{}, ErrInvalidToken
	}

	var claims hostClaims
	_, err := jwt.ParseWithClaims(value, &claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(i.cfg.Secret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(i.cfg.Issuer),
	)
	if err != nil || claims.ID == "" || claims.SessionID == "" {
		return SessionInfo{}, ErrInvalidToken
	}

	entry, ok, err := i.ledger.Lookup(ctx, claims.ID)
	if err != nil {
		return SessionInfo{}, err
	}
	now := i.now()
	if !ok || entry.SessionID != claims.SessionID || !now.Before(entry.ExpiresAt) {
		return SessionInfo{}, ErrInvalidToken
	}

	sess, ok := i.sessions.Get(claims.SessionID)
	if !ok || sessionUsable(sess, now) != nil {
		return SessionInfo{}, ErrInvalidToken
	}

	return SessionInfo{
		Session: sess,
		Token: model.HostToken{
			ID:        entry.ID,
			SessionID: entry.SessionID,
			IssuedAt:  entry.IssuedAt,
			ExpiresAt: entry.ExpiresAt,
		},
	}, nil
}

// VerifyHost returns the session a token grants host authority over.
func (i *Issuer) VerifyHost(ctx context.Context, value string) (string, error) {
	info, err := i.Verify(ctx, value)
	if err != nil {
		return "", err
	}
	return info.Session.ID, nil
}

// ListSessions returns the sessions reachable through the valid tokens among
// values, deduplicated, in first-seen order. Invalid tokens are skipped.
func (i *Issuer) ListSessions(ctx context.Context, values []string) ([]model.Session, error) {
	var sessions []model.Session
	for _, v := range lo.Uniq(values) {
		info, err := i.Verify(ctx, v)
		if err != nil {
			if errors.Is(err, ErrInvalidToken) {
				continue
			}
			return nil, err
		}
		sessions = append(sessions, info.Session)
	}
	return lo.UniqBy(sessions, func(s model.Session) string { return s.ID }), nil
}

// Purge drops expired ledger entries.
func (i *Issuer) Purge(ctx context.Context) (int, error) {
	n, err := i.ledger.PurgeExpired(ctx, i.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		i.log.Debug().Int("purged", n).Msg("expired host tokens purged")
	}
	return n, nil
}
