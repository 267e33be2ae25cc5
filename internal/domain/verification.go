package domain

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Verification is a specialist's moderation status. Stored records carry it
// either as a bare boolean or as {"isVerified": bool}; both decode to the
// same value and it always encodes as a boolean.
type Verification struct {
	verified bool
}

func Verified(v bool) Verification { return Verification{verified: v} }

// NormalizeVerification accepts any decoded JSON shape seen in storage.
func NormalizeVerification(raw any) Verification {
	switch v := raw.(type) {
	case nil:
		return Verification{}
	case bool:
		return Verification{verified: v}
	case *bool:
		return Verification{verified: v != nil && *v}
	case Verification:
		return v
	case string:
		return Verification{verified: strings.EqualFold(strings.TrimSpace(v), "true")}
	case map[string]any:
		return NormalizeVerification(v["isVerified"])
	case json.RawMessage:
		var out Verification
		_ = out.UnmarshalJSON(v)
		return out
	}
	return Verification{}
}

func (v Verification) Bool() bool { return v.verified }

func (v Verification) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.verified)
}

func (v *Verification) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		*v = Verification{}
		return nil
	}
	*v = NormalizeVerification(raw)
	return nil
}
