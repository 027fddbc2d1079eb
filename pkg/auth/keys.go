// Package auth implements the request-signing protocol used between the file
// host and the processor: ECDSA P-256 signatures over canonical request
// payloads, per-identity replay protection, and single-use authorization
// tokens for flows whose body cannot reasonably be signed.
package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// Public keys are 65-byte uncompressed P-256 points, hex encoded.
var publicKeyPattern = regexp.MustCompile(`^04[a-f0-9]{128}$`)

// ParsePublicKey decodes and validates a hex-encoded uncompressed public key.
func ParsePublicKey(hexKey string) (*ecdsa.PublicKey, error) {
	if !publicKeyPattern.MatchString(hexKey) {
		return nil, fmt.Errorf("public key must be a hex-encoded uncompressed P-256 point")
	}
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid hex in public key: %w", err)
	}
	x := new(big.Int).SetBytes(raw[1:33])
	y := new(big.Int).SetBytes(raw[33:65])
	if !elliptic.P256().IsOnCurve(x, y) {
		return nil, fmt.Errorf("public key point is not on the curve")
	}
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}

// VerifySignature checks a hex-encoded ASN.1 DER signature over the SHA-256
// digest of payload against the given public key.
func VerifySignature(publicKeyHex, signatureHex, payload string) bool {
	pub, err := ParsePublicKey(publicKeyHex)
	if err != nil {
		return false
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false
	}
	digest := sha256.Sum256([]byte(payload))
	return ecdsa.VerifyASN1(pub, digest[:], sig)
}

// SigningContext holds this host's signing keypair and issues strictly
// increasing time tokens for outbound signed requests. It is constructed once
// at startup and passed to every signing call site.
type SigningContext struct {
	key       *ecdsa.PrivateKey
	publicHex string

	mu         sync.Mutex
	lastMillis int64
	counter    int
}

// LoadOrGenerateKey loads the private signing key from path, generating and
// persisting a fresh one on first use.
func LoadOrGenerateKey(path string) (*SigningContext, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return generateKey(path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading signing key: %w", err)
	}

	scalar, err := hex.DecodeString(string(raw))
	if err != nil {
		return nil, fmt.Errorf("signing key is not valid hex: %w", err)
	}
	key, err := scalarToKey(scalar)
	if err != nil {
		return nil, err
	}
	return newSigningContext(key), nil
}

func generateKey(path string) (*SigningContext, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}
	encoded := hex.EncodeToString(key.D.FillBytes(make([]byte, 32)))
	if err := os.WriteFile(path, []byte(encoded), 0o600); err != nil {
		return nil, fmt.Errorf("persisting signing key: %w", err)
	}
	return newSigningContext(key), nil
}

func scalarToKey(scalar []byte) (*ecdsa.PrivateKey, error) {
	curve := elliptic.P256()
	d := new(big.Int).SetBytes(scalar)
	if d.Sign() <= 0 || d.Cmp(curve.Params().N) >= 0 {
		return nil, fmt.Errorf("signing key scalar out of range")
	}
	key := &ecdsa.PrivateKey{D: d}
	key.Curve = curve
	key.X, key.Y = curve.ScalarBaseMult(d.FillBytes(make([]byte, 32)))
	return key, nil
}

func newSigningContext(key *ecdsa.PrivateKey) *SigningContext {
	pub := append([]byte{0x04},
		append(key.X.FillBytes(make([]byte, 32)), key.Y.FillBytes(make([]byte, 32))...)...)
	return &SigningContext{
		key:       key,
		publicHex: hex.EncodeToString(pub),
	}
}

// PublicKeyHex returns this host's identity: the uncompressed public key, hex
// encoded.
func (s *SigningContext) PublicKeyHex() string {
	return s.publicHex
}

// Sign signs the SHA-256 digest of payload, returning a hex-encoded ASN.1 DER
// signature.
func (s *SigningContext) Sign(payload string) (string, error) {
	digest := sha256.Sum256([]byte(payload))
	sig, err := ecdsa.SignASN1(rand.Reader, s.key, digest[:])
	if err != nil {
		return "", fmt.Errorf("signing payload: %w", err)
	}
	return hex.EncodeToString(sig), nil
}

// nextTimeToken returns millis concatenated with an in-process counter. The
// counter resets whenever the clock passes the last used millisecond and is
// capped at a single digit, so the concatenation compares as a strictly
// increasing integer; a burst past ten in one millisecond borrows the next.
func (s *SigningContext) nextTimeToken(now time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	millis := now.UnixMilli()
	if millis > s.lastMillis {
		s.lastMillis = millis
		s.counter = 0
	}
	if s.counter > 9 {
		s.lastMillis++
		s.counter = 0
	}
	token := fmt.Sprintf("%d%d", s.lastMillis, s.counter)
	s.counter++
	return token
}

// Headers produces the signed-request headers for an outbound call. For
// one-time-auth flows the body argument is the OTA token itself, which doubles
// as the x-oneTimeAuth header value and the signed payload tail.
func (s *SigningContext) Headers(url, body string, oneTimeAuth bool) (map[string]string, error) {
	timeToken := s.nextTimeToken(time.Now())

	signature, err := s.Sign(timeToken + url + body)
	if err != nil {
		return nil, err
	}

	headers := map[string]string{
		HeaderTime:      timeToken,
		HeaderIdentity:  s.publicHex,
		HeaderSignature: signature,
	}
	if oneTimeAuth {
		headers[HeaderOneTimeAuth] = body
	}
	return headers, nil
}
