package license

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Tier is the commercial level a license grants
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierDevicePack Tier = "device_pack"
)

// FreeDeviceLimit is what an unlicensed install may monitor
const FreeDeviceLimit = 10

// Unlimited marks a limit with no ceiling
const Unlimited = -1

var (
	ErrInvalidLicense   = errors.New("invalid license")
	ErrMalformedLicense = errors.New("malformed license")
	ErrSignatureInvalid = errors.New("license signature invalid")
	ErrNoPublicKey      = errors.New("no license public key configured")
)

// dateLayout is how purchase and entitlement dates travel in license.json
const dateLayout = "2006-01-02"

// License is one signed grant bound to a server fingerprint
type License struct {
	LicenseKey        string `json:"licenseKey"`
	Tier              Tier   `json:"tier"`
	DeviceLimit       int    `json:"deviceLimit,omitempty"`
	ServerFingerprint string `json:"serverFingerprint"`
	PurchaseDate      string `json:"purchaseDate,omitempty"`
	UpdatesValidUntil string `json:"updatesValidUntil,omitempty"`
	Signature         string `json:"signature"`
}

// signingPayload is the canonical byte string the signature covers. Field
// order is part of the format; never reorder.
func (l *License) signingPayload() []byte {
	return []byte(strings.Join([]string{
		l.LicenseKey,
		string(l.Tier),
		fmt.Sprintf("%d", l.DeviceLimit),
		l.ServerFingerprint,
		l.PurchaseDate,
		l.UpdatesValidUntil,
	}, "|"))
}

// MatchesFingerprint reports whether the license is bound to this server
func (l *License) MatchesFingerprint(fingerprint string) bool {
	return l.ServerFingerprint != "" && strings.EqualFold(l.ServerFingerprint, fingerprint)
}

// UpdatesValidUntilTime parses the entitlement date; zero when absent or bad
func (l *License) UpdatesValidUntilTime() time.Time {
	if l.UpdatesValidUntil == "" {
		return time.Time{}
	}
	t, err := time.Parse(dateLayout, l.UpdatesValidUntil)
	if err != nil {
		return time.Time{}
	}
	return t
}

// IsUpdateEntitled reports whether a build published on buildDate is covered
// by this license. Free grants nothing; paid tiers cover builds up to and
// including their updatesValidUntil date.
func (l *License) IsUpdateEntitled(buildDate time.Time) bool {
	if l.Tier == TierFree || l.Tier == "" {
		return false
	}
	until := l.UpdatesValidUntilTime()
	if until.IsZero() {
		return false
	}
	// date-granular comparison; the build day itself is covered
	return !buildDate.Truncate(24 * time.Hour).After(until)
}

var (
	keyMu     sync.RWMutex
	publicKey ed25519.PublicKey
)

// SetPublicKey installs the verification key. Tests use this with a
// generated pair.
func SetPublicKey(key ed25519.PublicKey) {
	keyMu.Lock()
	publicKey = key
	keyMu.Unlock()
}

func currentPublicKey() ed25519.PublicKey {
	keyMu.RLock()
	defer keyMu.RUnlock()
	return publicKey
}

// EmbeddedPublicKey is the production verification key, base64 encoded and
// injected at build time:
//
//	go build -ldflags "-X github.com/corebit/corebit/internal/license.EmbeddedPublicKey=BASE64_KEY"
var EmbeddedPublicKey string

// InitPublicKey loads the verification key, preferring the
// COREBIT_LICENSE_PUBLIC_KEY environment variable over the embedded one.
// With COREBIT_LICENSE_DEV_MODE=true signature checks are skipped entirely.
func InitPublicKey() error {
	if env := os.Getenv("COREBIT_LICENSE_PUBLIC_KEY"); env != "" {
		key, err := decodePublicKey(env)
		if err != nil {
			return fmt.Errorf("COREBIT_LICENSE_PUBLIC_KEY: %w", err)
		}
		SetPublicKey(key)
		return nil
	}
	if EmbeddedPublicKey != "" {
		key, err := decodePublicKey(EmbeddedPublicKey)
		if err != nil {
			return fmt.Errorf("embedded public key: %w", err)
		}
		SetPublicKey(key)
	}
	return nil
}

func decodePublicKey(encoded string) (ed25519.PublicKey, error) {
	encoded = strings.TrimSpace(encoded)
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		decoded, err = base64.RawURLEncoding.DecodeString(encoded)
		if err != nil {
			return nil, err
		}
	}
	if len(decoded) != ed25519.PublicKeySize {
		return nil, ErrMalformedLicense
	}
	return ed25519.PublicKey(decoded), nil
}

func isDevMode() bool {
	return os.Getenv("COREBIT_LICENSE_DEV_MODE") == "true"
}

// Verify checks the license's structure and signature. In dev mode (or for
// the implicit free tier, which carries no grant) signatures are not
// required.
func Verify(l *License) error {
	if l == nil {
		return ErrInvalidLicense
	}
	if l.LicenseKey == "" {
		return fmt.Errorf("%w: missing licenseKey", ErrMalformedLicense)
	}
	switch l.Tier {
	case TierPro, TierDevicePack:
	case TierFree:
		return nil
	default:
		return fmt.Errorf("%w: unknown tier %q", ErrMalformedLicense, l.Tier)
	}
	if l.Tier == TierDevicePack && l.DeviceLimit <= 0 {
		return fmt.Errorf("%w: device_pack without deviceLimit", ErrMalformedLicense)
	}
	if l.ServerFingerprint == "" {
		return fmt.Errorf("%w: missing serverFingerprint", ErrMalformedLicense)
	}

	if isDevMode() {
		return nil
	}
	key := currentPublicKey()
	if len(key) == 0 {
		return ErrNoPublicKey
	}
	sig, err := base64.StdEncoding.DecodeString(l.Signature)
	if err != nil {
		return fmt.Errorf("%w: signature encoding", ErrMalformedLicense)
	}
	if !ed25519.Verify(key, l.signingPayload(), sig) {
		return ErrSignatureInvalid
	}
	return nil
}

// Sign produces the detached signature for a license. Only the licensing
// server and tests hold private keys.
func Sign(l *License, priv ed25519.PrivateKey) {
	l.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, l.signingPayload()))
}
