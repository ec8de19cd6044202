package notification

import "strings"

// TokenKind tags the push-provider family a device token belongs to.
// The kind is resolved once when the token is ingested, never re-parsed
// at send time.
type TokenKind string

const (
	TokenExpo TokenKind = "EXPO"
	TokenFCM  TokenKind = "FCM"
)

// String returns the string representation of the TokenKind.
func (kind TokenKind) String() string {
	return string(kind)
}

// PushToken is a device token with its provider kind resolved.
type PushToken struct {
	Kind  TokenKind `json:"kind"`
	Value string    `json:"value"`
}

// ParsePushToken classifies a raw device token. Expo tokens carry the
// ExponentPushToken[...] wrapper; everything else is treated as FCM.
func ParsePushToken(raw string) PushToken {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "ExponentPushToken[") || strings.HasPrefix(raw, "ExpoPushToken[") {
		return PushToken{Kind: TokenExpo, Value: raw}
	}
	return PushToken{Kind: TokenFCM, Value: raw}
}

// ParsePushTokens classifies a batch of raw tokens, dropping empties.
func ParsePushTokens(raw []string) []PushToken {
	out := make([]PushToken, 0, len(raw))
	for _, r := range raw {
		if strings.TrimSpace(r) == "" {
			continue
		}
		out = append(out, ParsePushToken(r))
	}
	return out
}
