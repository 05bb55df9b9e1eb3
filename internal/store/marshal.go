package store

import (
	"fmt"

	"github.com/carlosandia/crm-renove-sub007/internal/payload"
)

// encodePayload converts a payload to canonical JSON TEXT and its content
// hash under domain.
func encodePayload(domain string, p payload.Payload) (text, hash string, err error) {
	if p == nil {
		p = payload.Payload{}
	}
	data, err := payload.MarshalCanonical(p)
	if err != nil {
		return "", "", fmt.Errorf("marshal payload: %w", err)
	}
	hash, err = payload.Digest(domain, p)
	if err != nil {
		return "", "", err
	}
	return string(data), hash, nil
}

// decodePayload converts stored JSON TEXT back to a payload. Numbers come
// back as json.Number.
func decodePayload(text string) (payload.Payload, error) {
	p, err := payload.Decode([]byte(text))
	if err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return p, nil
}
