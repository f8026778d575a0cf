package token

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Decode failure reasons. Decode is total: any input yields a Token or an
// error wrapping exactly one of these.
var (
	// ErrMalformedPayload: the raw capture is not a well-formed payload.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrUnknownKind: the payload parsed but its kind discriminant is not
	// a known token kind.
	ErrUnknownKind = errors.New("unknown token kind")
	// ErrMissingField: a field the kind requires is absent.
	ErrMissingField = errors.New("missing field")

	// ErrBadSignature is returned by VerifyAndDecode only.
	ErrBadSignature = errors.New("bad signature")
	// ErrNoSigner is returned by Encode when the codec has no private key.
	ErrNoSigner = errors.New("codec has no signing key")
)

// DecodeError wraps one of the decode sentinels with the offending field
// or detail. Use errors.Is against the sentinels to branch.
type DecodeError struct {
	Reason error  // one of ErrMalformedPayload, ErrUnknownKind, ErrMissingField
	Field  string // set for ErrMissingField
	cause  error
}

func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("decode token: %v: %s", e.Reason, e.Field)
	}
	return fmt.Sprintf("decode token: %v", e.Reason)
}

func (e *DecodeError) Is(target error) bool { return errors.Is(e.Reason, target) }
func (e *DecodeError) Unwrap() error        { return e.cause }

// payloadClaims is the JWT claim set a token travels as. Short claim names
// keep the QR payload compact.
type payloadClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
	Kind      string `json:"knd"`
	HolderID  string `json:"hld,omitempty"`
	Etag      string `json:"etg"`
}

// Codec encodes tokens to signed compact payloads and decodes captures
// back. The server constructs it with both keys; scanning clients pass a
// nil signer and use Decode only — a client parse never checks the
// signature (the verification endpoint does, on consumption).
type Codec struct {
	signer crypto.Signer
	public crypto.PublicKey
	issuer string
}

// NewCodec returns a Codec. signer may be nil for a decode-only client;
// public may be nil when VerifyAndDecode is never called.
func NewCodec(signer crypto.Signer, public crypto.PublicKey, issuer string) *Codec {
	return &Codec{signer: signer, public: public, issuer: issuer}
}

// Encode mints the signed compact payload for t. The signing method
// follows the key type (ES256 for ECDSA, RS256 for RSA). ExpiresAt is
// truncated to whole seconds by the encoding.
func (c *Codec) Encode(t Token) (string, error) {
	if c.signer == nil {
		return "", ErrNoSigner
	}
	if !t.Kind.Valid() {
		return "", fmt.Errorf("encode token: %w: %q", ErrUnknownKind, t.Kind)
	}
	var method jwt.SigningMethod
	switch c.signer.Public().(type) {
	case *ecdsa.PublicKey:
		method = jwt.SigningMethodES256
	case *rsa.PublicKey:
		method = jwt.SigningMethodRS256
	default:
		return "", fmt.Errorf("encode token: unsupported key type %T", c.signer.Public())
	}
	claims := payloadClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        t.ID,
			Issuer:    c.issuer,
			ExpiresAt: jwt.NewNumericDate(t.ExpiresAt),
		},
		SessionID: t.SessionID,
		Kind:      string(t.Kind),
		HolderID:  t.HolderID,
		Etag:      t.Etag,
	}
	return jwt.NewWithClaims(method, claims).SignedString(c.signer)
}

// Decode parses a raw capture into a Token without checking the
// signature. It is total: every input returns a Token or a *DecodeError
// wrapping ErrMalformedPayload, ErrUnknownKind, or ErrMissingField.
func (c *Codec) Decode(raw string) (Token, error) {
	var claims payloadClaims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(raw, &claims); err != nil {
		return Token{}, &DecodeError{Reason: ErrMalformedPayload, cause: err}
	}
	return tokenFromClaims(&claims)
}

// VerifyAndDecode parses a raw capture and checks the signature and
// expiry against the codec's public key. The server uses this on every
// verification request; ErrBadSignature covers forged and tampered
// payloads, expired tokens still decode so the caller can report
// EXPIRED_TOKEN precisely.
func (c *Codec) VerifyAndDecode(raw string) (Token, error) {
	if c.public == nil {
		return Token{}, errors.New("codec has no public key")
	}
	var claims payloadClaims
	_, err := jwt.NewParser(jwt.WithoutClaimsValidation()).ParseWithClaims(raw, &claims, func(tk *jwt.Token) (interface{}, error) {
		switch tk.Method.(type) {
		case *jwt.SigningMethodECDSA, *jwt.SigningMethodRSA:
			return c.public, nil
		}
		return nil, ErrBadSignature
	})
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if c.issuer != "" && claims.Issuer != c.issuer {
		return Token{}, fmt.Errorf("%w: issuer %q", ErrBadSignature, claims.Issuer)
	}
	return tokenFromClaims(&claims)
}

func tokenFromClaims(claims *payloadClaims) (Token, error) {
	kind := Kind(claims.Kind)
	if claims.Kind == "" || !kind.Valid() {
		if claims.Kind == "" {
			return Token{}, &DecodeError{Reason: ErrMissingField, Field: "knd"}
		}
		return Token{}, &DecodeError{Reason: ErrUnknownKind}
	}
	if claims.ID == "" {
		return Token{}, &DecodeError{Reason: ErrMissingField, Field: "jti"}
	}
	if claims.SessionID == "" {
		return Token{}, &DecodeError{Reason: ErrMissingField, Field: "sid"}
	}
	if claims.Etag == "" {
		return Token{}, &DecodeError{Reason: ErrMissingField, Field: "etg"}
	}
	if claims.ExpiresAt == nil {
		return Token{}, &DecodeError{Reason: ErrMissingField, Field: "exp"}
	}
	if kind.IsChain() && claims.HolderID == "" {
		return Token{}, &DecodeError{Reason: ErrMissingField, Field: "hld"}
	}
	return Token{
		ID:        claims.ID,
		Kind:      kind,
		SessionID: claims.SessionID,
		HolderID:  claims.HolderID,
		Etag:      claims.Etag,
		ExpiresAt: claims.ExpiresAt.Time.Truncate(time.Second),
	}, nil
}
