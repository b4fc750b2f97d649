package connector

import (
	"encoding/base64"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"docmigrate/internal/domain"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Deterministic encoding keeps equal walk states byte-identical.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("connector: cbor encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("connector: cbor decoder: " + err.Error())
	}
}

// EncodeCursor serializes a connector walk state into an opaque page token.
func EncodeCursor(v any) (string, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeCursor parses a token produced by EncodeCursor. A malformed token is
// an invalid_config failure because it can only come from outside.
func DecodeCursor(token string, v any) error {
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return domain.WrapError(domain.CodeBadConfig, fmt.Errorf("decode cursor: %w", err))
	}
	if err := decMode.Unmarshal(data, v); err != nil {
		return domain.WrapError(domain.CodeBadConfig, fmt.Errorf("decode cursor: %w", err))
	}
	return nil
}
