package proof

import "strings"

// Type identifies a pluggable authentication mechanism used to sign an
// operation.
type Type string

const (
	TypeUnspecified Type = ""
	TypePassword    Type = "PASSWORD"
	TypeTOTP        Type = "TOTP"
	TypeHardwareKey Type = "HARDWARE_KEY"
	TypeBiometric   Type = "BIOMETRIC"
	TypePKI         Type = "PKI"
)

// strength orders proof types from weakest to strongest.
var strength = map[Type]int{
	TypePassword:    1,
	TypeTOTP:        2,
	TypeBiometric:   3,
	TypeHardwareKey: 4,
	TypePKI:         4,
}

// StrongestTier returns the proof types enforced for emergency overrides.
func StrongestTier() []Type {
	return []Type{TypeHardwareKey, TypePKI}
}

// Strength returns the relative strength rank of a proof type; unknown
// types rank zero.
func Strength(t Type) int {
	return strength[t]
}

// ParseType canonicalizes a proof type label.
func ParseType(value string) (Type, bool) {
	switch Type(strings.ToUpper(strings.TrimSpace(value))) {
	case TypePassword:
		return TypePassword, true
	case TypeTOTP:
		return TypeTOTP, true
	case TypeHardwareKey:
		return TypeHardwareKey, true
	case TypeBiometric:
		return TypeBiometric, true
	case TypePKI:
		return TypePKI, true
	default:
		return TypeUnspecified, false
	}
}
