package models

import (
	"fmt"
	"strings"
)

// Platform identifies a supported chat provider. The set is closed: adding a
// platform means adding a constant here and a case in integrations.New.
type Platform string

const (
	PlatformTelegram Platform = "telegram"
	PlatformWhatsApp Platform = "whatsapp"
	PlatformSlack    Platform = "slack"
	PlatformDiscord  Platform = "discord"
)

// AllPlatforms lists every platform in default-selection order.
var AllPlatforms = []Platform{
	PlatformTelegram,
	PlatformWhatsApp,
	PlatformSlack,
	PlatformDiscord,
}

// ParsePlatform normalizes a platform name (case-insensitive) and rejects unknown kinds.
func ParsePlatform(name string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(name)))
	if p.Valid() {
		return p, nil
	}
	return "", fmt.Errorf("%w: unknown platform %q", ErrValidation, name)
}

// Valid reports whether p is one of the known platform kinds.
func (p Platform) Valid() bool {
	switch p {
	case PlatformTelegram, PlatformWhatsApp, PlatformSlack, PlatformDiscord:
		return true
	}
	return false
}

func (p Platform) String() string { return string(p) }

// PlatformStatus is the connectivity snapshot returned by an adapter.
type PlatformStatus struct {
	Connected    bool              `json:"connected"`
	PlatformInfo map[string]string `json:"platform_info,omitempty"`
	Error        string            `json:"error,omitempty"`
}
