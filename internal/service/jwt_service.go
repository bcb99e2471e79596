package service

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"e2ee-relay/internal/domain"
)

const defaultTokenTTL = 5 * 24 * time.Hour

// JWTService verifica las credenciales presentadas en el handshake del websocket.
// Los tokens los emite el servicio de auth externo; Issue existe para herramientas y tests.
type JWTService struct {
	secret []byte
	issuer string
}

type ClaimUser struct {
	ID string `json:"id"`
}

type Claims struct {
	User ClaimUser `json:"user"`
	jwt.RegisteredClaims
}

var (
	ErrCredentialMissing = errors.New("credential missing")
	ErrCredentialInvalid = errors.New("credential invalid")
	ErrCredentialExpired = errors.New("credential expired")
)

// AuthError es el rechazo tipado de una conexión. Reason viaja al cliente.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	return e.Reason
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func authFailure(err error) *AuthError {
	switch {
	case errors.Is(err, ErrCredentialMissing):
		return &AuthError{Reason: "authentication error: token not provided", Err: err}
	case errors.Is(err, ErrCredentialExpired):
		return &AuthError{Reason: "authentication error: token expired", Err: err}
	default:
		return &AuthError{Reason: "authentication error: invalid token", Err: ErrCredentialInvalid}
	}
}

// NewJWTService crea el verificador. issuer vacío desactiva la validación de iss.
func NewJWTService(secret, issuer string) *JWTService {
	return &JWTService{
		secret: []byte(secret),
		issuer: strings.TrimSpace(issuer),
	}
}

// Authenticate valida firma y expiración y devuelve la identidad verificada.
func (s *JWTService) Authenticate(token string) (domain.Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Identity{}, authFailure(ErrCredentialMissing)
	}
	if s == nil || len(s.secret) == 0 {
		return domain.Identity{}, authFailure(ErrCredentialInvalid)
	}
	claims, err := s.parseToken(token)
	if err != nil {
		return domain.Identity{}, authFailure(err)
	}
	userID := claims.identity()
	if userID == "" {
		return domain.Identity{}, authFailure(ErrCredentialInvalid)
	}
	if s.issuer != "" && claims.Issuer != s.issuer {
		return domain.Identity{}, authFailure(ErrCredentialInvalid)
	}
	identity := domain.Identity{UserID: userID}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
	return identity, nil
}

// Issue firma un token con la misma forma que emite el servicio de auth.
func (s *JWTService) Issue(userID string, ttl time.Duration) (string, error) {
	userID = strings.TrimSpace(userID)
	if s == nil || len(s.secret) == 0 || userID == "" {
		return "", ErrCredentialInvalid
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	now := time.Now().UTC()
	claims := Claims{
		User: ClaimUser{ID: userID},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *JWTService) parseToken(tokenString string) (Claims, error) {
	var claims Claims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	_, err := parser.ParseWithClaims(tokenString, &claims, func(_ *jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrCredentialExpired
		}
		return Claims{}, ErrCredentialInvalid
	}
	return claims, nil
}

func (c Claims) identity() string {
	if id := strings.TrimSpace(c.User.ID); id != "" {
		return id
	}
	return strings.TrimSpace(c.Subject)
}
