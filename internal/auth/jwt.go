package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"callrelay/internal/config"

	"github.com/golang-jwt/jwt/v5"
)

// contentType marks the JWT as a Twilio access token.
const contentType = "twilio-fpa;v=1"

// DefaultIdentity is used when a client asks for a token without naming itself.
const DefaultIdentity = "default_user"

type Manager struct {
	accountSID   string
	apiKeySID    string
	apiKeySecret []byte
	appSID       string
	ttl          time.Duration
}

func NewManager(tw config.TwilioConfig, ttl time.Duration) (*Manager, error) {
	if tw.AccountSID == "" {
		return nil, errors.New("TWILIO_ACCOUNT_SID is required")
	}
	if tw.APIKeySID == "" || tw.APIKeySecret == "" {
		return nil, errors.New("TWILIO_API_KEY_SID and TWILIO_API_KEY_SECRET are required")
	}
	if tw.TwiMLAppSID == "" {
		return nil, errors.New("TWILIO_TWIML_APP_SID is required")
	}
	if ttl <= 0 {
		return nil, errors.New("access token ttl must be positive")
	}
	return &Manager{
		accountSID:   tw.AccountSID,
		apiKeySID:    tw.APIKeySID,
		apiKeySecret: []byte(tw.APIKeySecret),
		appSID:       tw.TwiMLAppSID,
		ttl:          ttl,
	}, nil
}

// IssueVoiceToken returns a signed access token allowing identity to place
// calls through the configured application and receive incoming calls.
func (m *Manager) IssueVoiceToken(now time.Time, identity string) (string, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		identity = DefaultIdentity
	}

	claims := VoiceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        fmt.Sprintf("%s-%d", m.apiKeySID, now.Unix()),
			Issuer:    m.apiKeySID,
			Subject:   m.accountSID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
		Grants: Grants{
			Identity: identity,
			Voice: &VoiceGrant{
				Incoming: &IncomingGrant{Allow: true},
				Outgoing: &OutgoingGrant{ApplicationSID: m.appSID},
			},
		},
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	t.Header["cty"] = contentType
	return t.SignedString(m.apiKeySecret)
}

// verify parses a token issued by this manager and checks it at now.
func (m *Manager) verify(tokenString string, now time.Time) (VoiceClaims, error) {
	var claims VoiceClaims

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(30*time.Second),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(m.apiKeySID),
		jwt.WithSubject(m.accountSID),
	)

	tok, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		return m.apiKeySecret, nil
	})
	if err != nil {
		return VoiceClaims{}, err
	}
	if cty, _ := tok.Header["cty"].(string); cty != contentType {
		return VoiceClaims{}, errors.New("cty header mismatch")
	}
	if claims.Grants.Identity == "" {
		return VoiceClaims{}, errors.New("identity grant missing")
	}
	return claims, nil
}
