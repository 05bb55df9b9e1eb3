package payload

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes keep hashes of different kinds of value apart.
const (
	DomainSection = "pipeline/section-payload/v1"
	DomainEntity  = "pipeline/entity-value/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Hash returns the content hash of a section payload. Two payloads that
// differ only in key order or Unicode normal form hash the same.
func Hash(p Payload) (string, error) {
	return Digest(DomainSection, p)
}

// Digest hashes any canonicalisable value under the given domain.
func Digest(domain string, v any) (string, error) {
	data, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", domain, err)
	}
	return hashWithDomain(domain, data), nil
}
