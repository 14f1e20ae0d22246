package compliance

import (
	"crypto/subtle"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pquerna/otp/totp"
)

// CodeVerifier checks one-time codes submitted at the step-up stage
type CodeVerifier interface {
	Verify(addr common.Address, code string) bool
}

// StaticCodeVerifier accepts one fixed code for every account (demo mode)
type StaticCodeVerifier struct {
	Code string
}

func (v StaticCodeVerifier) Verify(_ common.Address, code string) bool {
	if v.Code == "" || code == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(v.Code), []byte(code)) == 1
}

// SecretStore persists TOTP secrets so enrollments survive a restart
type SecretStore interface {
	SaveSecret(addr common.Address, secret string) error
	LoadSecrets() (map[common.Address]string, error)
}

// TOTPVerifier validates RFC 6238 codes against per-account secrets.
// Accounts must Enroll before they can pass step-up.
type TOTPVerifier struct {
	mu      sync.RWMutex
	issuer  string
	secrets map[common.Address]string
	store   SecretStore // nil = memory only
}

func NewTOTPVerifier(issuer string, store SecretStore) *TOTPVerifier {
	return &TOTPVerifier{
		issuer:  issuer,
		secrets: make(map[common.Address]string),
		store:   store,
	}
}

// Load restores persisted secrets and returns how many were read
func (v *TOTPVerifier) Load() (int, error) {
	if v.store == nil {
		return 0, nil
	}
	secrets, err := v.store.LoadSecrets()
	if err != nil {
		return 0, fmt.Errorf("failed to load TOTP secrets: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	for addr, secret := range secrets {
		v.secrets[addr] = secret
	}
	return len(secrets), nil
}

// Enrollment is what an authenticator app needs to start producing codes
type Enrollment struct {
	Secret string `json:"secret"`
	URL    string `json:"url"`
}

// Enroll creates (or rotates) the account's TOTP secret
func (v *TOTPVerifier) Enroll(addr common.Address) (Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      v.issuer,
		AccountName: addr.Hex(),
		SecretSize:  20,
	})
	if err != nil {
		return Enrollment{}, fmt.Errorf("failed to generate TOTP key: %w", err)
	}
	if v.store != nil {
		if err := v.store.SaveSecret(addr, key.Secret()); err != nil {
			return Enrollment{}, fmt.Errorf("failed to save TOTP secret: %w", err)
		}
	}

	v.mu.Lock()
	v.secrets[addr] = key.Secret()
	v.mu.Unlock()

	return Enrollment{Secret: key.Secret(), URL: key.URL()}, nil
}

// Enrolled reports whether addr has a secret
func (v *TOTPVerifier) Enrolled(addr common.Address) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.secrets[addr]
	return ok
}

func (v *TOTPVerifier) Verify(addr common.Address, code string) bool {
	v.mu.RLock()
	secret, ok := v.secrets[addr]
	v.mu.RUnlock()
	if !ok || code == "" {
		return false
	}
	return totp.Validate(code, secret)
}
