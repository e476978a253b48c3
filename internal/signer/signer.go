// Package signer canonicalizes priced claims and signs them with the
// submitting facility's private key.
package signer

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/gyeh/claimflow/internal/canonical"
	"github.com/gyeh/claimflow/internal/claimerr"
	"github.com/gyeh/claimflow/internal/clock"
	"github.com/gyeh/claimflow/internal/model"
	"github.com/gyeh/claimflow/internal/normalize"
)

const (
	AlgRS256 = "RS256"
	AlgES256 = "ES256"
	AlgEdDSA = "EdDSA"

	HashSHA256    = "SHA-256"
	SchemeVersion = "v1"
)

var (
	ErrDigestMismatch   = errors.New("digest does not match canonical bytes")
	ErrBadSignature     = errors.New("signature verification failed")
	ErrUnsupportedAlg   = errors.New("unsupported signature algorithm")
	ErrUnsupportedCurve = errors.New("only P-256 ECDSA keys are supported")
)

type Signer struct {
	keys  *KeyStore
	clock clock.Clock
	log   zerolog.Logger
}

func New(keys *KeyStore, clk clock.Clock, log zerolog.Logger) *Signer {
	if clk == nil {
		clk = clock.Real()
	}
	return &Signer{keys: keys, clock: clk, log: log.With().Str("component", "signer").Logger()}
}

// Sign canonicalizes p and signs its digest with facilityID's key. Facility
// lookup failures keep their kind; every other failure is a generic
// signing error.
func (s *Signer) Sign(ctx context.Context, facilityID string, p *model.PricedClaim) (*model.SignedPayload, error) {
	body, err := canonical.Canonicalize(p)
	if err != nil {
		return nil, claimerr.Signing("canonicalize", err)
	}

	key, err := s.keys.PrivateKey(ctx, facilityID)
	if err != nil {
		if claimerr.Is(err, claimerr.KindFacilityNotFound) {
			return nil, err
		}
		s.log.Error().Err(err).Str("facility_id", facilityID).Msg("signing key unavailable")
		return nil, claimerr.Signing("load key", err)
	}

	digest := normalize.Digest(body)
	sig, err := signDigest(key, digest)
	if err != nil {
		s.log.Error().Err(err).Str("facility_id", facilityID).Msg("signing failed")
		return nil, claimerr.Signing("sign", err)
	}
	sig.KeyID = keyID(key.Public())

	return &model.SignedPayload{
		CorrelationID:     p.CorrelationID,
		CanonicalBytes:    body,
		Digest:            digest,
		Signature:         sig,
		SigningFacilityID: facilityID,
		SignedAt:          s.clock.Now(),
	}, nil
}

func signDigest(key crypto.Signer, digest []byte) (model.Signature, error) {
	sig := model.Signature{HashAlgorithm: HashSHA256, SchemeVersion: SchemeVersion}
	var err error
	switch k := key.(type) {
	case *rsa.PrivateKey:
		sig.Algorithm = AlgRS256
		sig.Value, err = rsa.SignPKCS1v15(rand.Reader, k, crypto.SHA256, digest)
	case *ecdsa.PrivateKey:
		if k.Curve != elliptic.P256() {
			return sig, ErrUnsupportedCurve
		}
		sig.Algorithm = AlgES256
		sig.Value, err = ecdsa.SignASN1(rand.Reader, k, digest)
	case ed25519.PrivateKey:
		sig.Algorithm = AlgEdDSA
		sig.Value = ed25519.Sign(k, digest)
	default:
		return sig, ErrUnsupportedAlg
	}
	return sig, err
}

// Verify checks that the payload's digest matches its canonical bytes and
// that the signature verifies under pub.
func Verify(p *model.SignedPayload, pub crypto.PublicKey) error {
	if p == nil {
		return fmt.Errorf("verify: nil payload")
	}
	if p.Signature.SchemeVersion != SchemeVersion || p.Signature.HashAlgorithm != HashSHA256 {
		return fmt.Errorf("%w: scheme %s/%s", ErrUnsupportedAlg, p.Signature.SchemeVersion, p.Signature.HashAlgorithm)
	}
	digest := sha256.Sum256(p.CanonicalBytes)
	if subtle.ConstantTimeCompare(digest[:], p.Digest) != 1 {
		return ErrDigestMismatch
	}

	switch p.Signature.Algorithm {
	case AlgRS256:
		k, ok := pub.(*rsa.PublicKey)
		if !ok {
			return ErrBadSignature
		}
		if err := rsa.VerifyPKCS1v15(k, crypto.SHA256, digest[:], p.Signature.Value); err != nil {
			return ErrBadSignature
		}
	case AlgES256:
		k, ok := pub.(*ecdsa.PublicKey)
		if !ok || !ecdsa.VerifyASN1(k, digest[:], p.Signature.Value) {
			return ErrBadSignature
		}
	case AlgEdDSA:
		k, ok := pub.(ed25519.PublicKey)
		if !ok || !ed25519.Verify(k, digest[:], p.Signature.Value) {
			return ErrBadSignature
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedAlg, p.Signature.Algorithm)
	}
	return nil
}

// keyID is a short fingerprint of the public key.
func keyID(pub crypto.PublicKey) string {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:8])
}
