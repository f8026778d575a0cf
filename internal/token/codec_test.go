package token

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestCodec(t *testing.T) *Codec {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return NewCodec(key, key.Public(), "batonrelay-test")
}

func sampleToken(kind Kind) Token {
	tok := Token{
		ID:        "tok-1",
		Kind:      kind,
		SessionID: "sess-1",
		Etag:      "etag-1",
		ExpiresAt: time.Unix(1767000000, 0),
	}
	if kind.IsChain() {
		tok.HolderID = "stu-1"
	}
	return tok
}

func TestCodec_RoundTripAllKinds(t *testing.T) {
	codec := newTestCodec(t)
	kinds := []Kind{KindSessionJoin, KindEntryChain, KindExitChain, KindLateEntry, KindEarlyLeave}
	for _, kind := range kinds {
		want := sampleToken(kind)
		raw, err := codec.Encode(want)
		if err != nil {
			t.Fatalf("Encode(%s): %v", kind, err)
		}
		got, err := codec.Decode(raw)
		if err != nil {
			t.Fatalf("Decode(%s): %v", kind, err)
		}
		if got != want {
			t.Errorf("round trip %s: got %+v, want %+v", kind, got, want)
		}
	}
}

func TestCodec_DecodeMalformed(t *testing.T) {
	codec := newTestCodec(t)
	for _, raw := range []string{"", "garbage", "a.b", "%%%.%%%.%%%", strings.Repeat("x", 4096)} {
		_, err := codec.Decode(raw)
		if !errors.Is(err, ErrMalformedPayload) {
			t.Errorf("Decode(%.12q) err = %v, want ErrMalformedPayload", raw, err)
		}
	}
}

func TestCodec_DecodeUnknownKind(t *testing.T) {
	codec := newTestCodec(t)
	tok := sampleToken(KindEntryChain)
	tok.Kind = Kind("wormhole")
	if _, err := codec.Encode(tok); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("Encode with bogus kind err = %v, want ErrUnknownKind", err)
	}
}

func TestCodec_DecodeMissingHolderForChainKind(t *testing.T) {
	codec := newTestCodec(t)
	tok := sampleToken(KindEntryChain)
	tok.HolderID = ""
	raw, err := codec.Encode(tok)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	_, err = codec.Decode(raw)
	if !errors.Is(err, ErrMissingField) {
		t.Fatalf("Decode err = %v, want ErrMissingField", err)
	}
	var de *DecodeError
	if !errors.As(err, &de) || de.Field != "hld" {
		t.Errorf("DecodeError.Field = %q, want %q", de.Field, "hld")
	}
}

func TestCodec_DecodeMissingHolderOKForRotatingKind(t *testing.T) {
	codec := newTestCodec(t)
	tok := sampleToken(KindLateEntry)
	raw, err := codec.Encode(tok)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := codec.Decode(raw); err != nil {
		t.Errorf("Decode rotating token without holder: %v, want nil", err)
	}
}

func TestCodec_DecodeIsTotal(t *testing.T) {
	// Every input must land in exactly one of the three decode errors or
	// succeed; nothing may panic.
	codec := newTestCodec(t)
	inputs := []string{
		"", ".", "..", "...", "\x00\x01\x02",
		"eyJhbGciOiJFUzI1NiJ9..sig",
		"eyJhbGciOiJFUzI1NiJ9.e30.sig", // {} claims: parses, then missing fields
	}
	for _, raw := range inputs {
		_, err := codec.Decode(raw)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrMalformedPayload) && !errors.Is(err, ErrUnknownKind) && !errors.Is(err, ErrMissingField) {
			t.Errorf("Decode(%q) err = %v, not one of the three decode errors", raw, err)
		}
	}
}

func TestCodec_VerifyAndDecodeRejectsTamper(t *testing.T) {
	codec := newTestCodec(t)
	raw, err := codec.Encode(sampleToken(KindEntryChain))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if _, err := codec.VerifyAndDecode(raw); err != nil {
		t.Fatalf("VerifyAndDecode(valid) = %v, want nil", err)
	}

	// Flip a payload byte; signature must no longer verify.
	parts := strings.Split(raw, ".")
	mid := []byte(parts[1])
	if mid[3] == 'A' {
		mid[3] = 'B'
	} else {
		mid[3] = 'A'
	}
	tampered := parts[0] + "." + string(mid) + "." + parts[2]
	if _, err := codec.VerifyAndDecode(tampered); !errors.Is(err, ErrBadSignature) {
		t.Errorf("VerifyAndDecode(tampered) err = %v, want ErrBadSignature", err)
	}
}

func TestCodec_VerifyAndDecodeRejectsForeignKey(t *testing.T) {
	minter := newTestCodec(t)
	verifier := newTestCodec(t) // different keypair
	raw, err := minter.Encode(sampleToken(KindExitChain))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := verifier.VerifyAndDecode(raw); !errors.Is(err, ErrBadSignature) {
		t.Errorf("VerifyAndDecode(foreign key) err = %v, want ErrBadSignature", err)
	}
}

func TestCodec_VerifyAndDecodeAcceptsExpired(t *testing.T) {
	// Expired tokens must still verify-decode so consumption can report
	// EXPIRED_TOKEN instead of a generic signature failure.
	codec := newTestCodec(t)
	tok := sampleToken(KindEntryChain)
	tok.ExpiresAt = time.Unix(1000000000, 0)
	raw, err := codec.Encode(tok)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := codec.VerifyAndDecode(raw)
	if err != nil {
		t.Fatalf("VerifyAndDecode(expired) = %v, want nil", err)
	}
	if !got.ExpiresAt.Equal(tok.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, tok.ExpiresAt)
	}
}

func TestCodec_EncodeWithoutSigner(t *testing.T) {
	codec := NewCodec(nil, nil, "batonrelay-test")
	if _, err := codec.Encode(sampleToken(KindEntryChain)); !errors.Is(err, ErrNoSigner) {
		t.Errorf("Encode err = %v, want ErrNoSigner", err)
	}
}
