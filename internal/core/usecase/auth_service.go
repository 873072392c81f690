package usecase

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"

	"github.com/atvirokodosprendimai/keyauth/internal/core/domain"
)

var ErrUnauthorized = errors.New("unauthorized")

// AuthService checks operator credentials. Only digests of the configured
// secrets are kept, and all three are always compared so the response time
// does not reveal which one was wrong.
type AuthService struct {
	ownerID   [sha256.Size]byte
	appSecret [sha256.Size]byte
	apiKey    [sha256.Size]byte
	enabled   bool
}

func NewAuthService(expected domain.Credentials) *AuthService {
	return &AuthService{
		ownerID:   sha256.Sum256([]byte(expected.OwnerID)),
		appSecret: sha256.Sum256([]byte(expected.AppSecret)),
		apiKey:    sha256.Sum256([]byte(expected.APIKey)),
		enabled:   expected.Complete(),
	}
}

func (s *AuthService) Authenticate(presented domain.Credentials) error {
	owner := sha256.Sum256([]byte(presented.OwnerID))
	secret := sha256.Sum256([]byte(presented.AppSecret))
	key := sha256.Sum256([]byte(presented.APIKey))

	match := subtle.ConstantTimeCompare(owner[:], s.ownerID[:]) &
		subtle.ConstantTimeCompare(secret[:], s.appSecret[:]) &
		subtle.ConstantTimeCompare(key[:], s.apiKey[:])

	if !s.enabled || !presented.Complete() || match != 1 {
		return ErrUnauthorized
	}
	return nil
}

// HashToken returns the hex SHA-256 digest of token, used where a key has to
// be referenced without exposing it.
func HashToken(token string) string {
	digest := sha256.Sum256([]byte(token))
	return hex.EncodeToString(digest[:])
}
