package model

import "time"

// Signature is a detached, algorithm-tagged signature over a digest of the
// canonical bytes. SchemeVersion pins the canonical form + signing procedure
// so records signed under an older scheme remain verifiable.
type Signature struct {
	Algorithm     string `json:"algorithm"`
	HashAlgorithm string `json:"hash_algorithm"`
	SchemeVersion string `json:"scheme_version"`
	KeyID         string `json:"key_id,omitempty"`
	Value         []byte `json:"value"`
}

// SignedPayload is the canonical claim bytes plus their detached signature.
type SignedPayload struct {
	CorrelationID     string    `json:"correlation_id"`
	CanonicalBytes    []byte    `json:"canonical_bytes"`
	Digest            []byte    `json:"digest"`
	Signature         Signature `json:"signature"`
	SigningFacilityID string    `json:"signing_facility_id"`
	SignedAt          time.Time `json:"signed_at"`
}
