package websocket

import (
	"net/url"
	"strings"

	"tether/internal/operr"
)

// MaxCloseReasonBytes is the largest close reason, in UTF-8 bytes, that fits
// a control frame next to its status code.
const MaxCloseReasonBytes = 123

// Close codes used by the session.
const (
	CloseNormal          = 1000
	CloseNoStatus        = 1005
	CloseAbnormal        = 1006
	minApplicationCode   = 3000
	maxApplicationCode   = 4999
	closeCodeNotProvided = 0
)

// CloseInfo is a close status code and reason. A zero Code means no code
// unless HasCode is set, in which case it is validated like any other.
type CloseInfo struct {
	Code    int
	Reason  string
	HasCode bool
}

// ValidateCloseCode accepts 1000 or an application code in 3000-4999.
func ValidateCloseCode(code int) error {
	if code == CloseNormal || (code >= minApplicationCode && code <= maxApplicationCode) {
		return nil
	}
	return operr.Invalid("close code", "%d is neither 1000 nor in the range 3000-4999", code)
}

// ValidateCloseReason limits the reason to MaxCloseReasonBytes.
func ValidateCloseReason(reason string) error {
	if len(reason) > MaxCloseReasonBytes {
		return operr.Invalid("close reason", "must not be greater than %d bytes, got %d", MaxCloseReasonBytes, len(reason))
	}
	return nil
}

// PrepareClose validates a close request. A reason without a code implies
// 1000; neither means a close frame without status.
func PrepareClose(info CloseInfo) (CloseInfo, error) {
	provided := info.HasCode || info.Code != closeCodeNotProvided
	info.HasCode = false
	if !provided && info.Reason != "" {
		info.Code = CloseNormal
	}
	if provided {
		if err := ValidateCloseCode(info.Code); err != nil {
			return info, err
		}
	}
	if err := ValidateCloseReason(info.Reason); err != nil {
		return info, err
	}
	return info, nil
}

// ValidateProtocols rejects case-insensitive duplicates and empty entries.
func ValidateProtocols(protocols []string) error {
	seen := make(map[string]struct{}, len(protocols))
	for _, p := range protocols {
		if p == "" || strings.ContainsAny(p, " ,\t") {
			return operr.Invalid("protocols", "invalid sub-protocol %q", p)
		}
		key := strings.ToLower(p)
		if _, dup := seen[key]; dup {
			return operr.Invalid("protocols", "duplicate sub-protocol %q", p)
		}
		seen[key] = struct{}{}
	}
	return nil
}

// ValidateURL parses raw as a ws or wss URL. http and https are mapped to
// their WebSocket counterparts; fragments are rejected.
func ValidateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, operr.Invalid("url", "%v", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, operr.Invalid("url", "scheme must be ws or wss, got %q", u.Scheme)
	}
	if u.Fragment != "" || strings.Contains(raw, "#") {
		return nil, operr.Invalid("url", "fragments are not allowed in WebSocket URLs")
	}
	if u.Host == "" {
		return nil, operr.Invalid("url", "missing host")
	}
	return u, nil
}
