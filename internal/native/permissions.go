package native

import (
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"tether/internal/operr"
)

// CheckPath resolves path and verifies it lies under an allowed directory.
func (p Permissions) CheckPath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", &operr.PathNotAllowedError{Path: path}
		}
		path = filepath.Join(home, path[2:])
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", &operr.PathNotAllowedError{Path: path}
	}
	absPath = filepath.Clean(absPath)

	realPath, err := filepath.EvalSymlinks(absPath)
	if err != nil && !os.IsNotExist(err) {
		return "", &operr.PathNotAllowedError{Path: path}
	}
	if err == nil {
		absPath = realPath
	}

	if !p.pathAllowed(absPath) {
		return "", &operr.PathNotAllowedError{Path: path}
	}
	return absPath, nil
}

func (p Permissions) pathAllowed(path string) bool {
	if len(p.AllowedPaths) == 0 {
		return false
	}

	realPath, err := filepath.EvalSymlinks(path)
	if err != nil {
		// Not created yet: judge by the parent directory.
		if realParent, perr := filepath.EvalSymlinks(filepath.Dir(path)); perr == nil {
			realPath = filepath.Join(realParent, filepath.Base(path))
		} else {
			realPath = path
		}
	}

	for _, allowed := range p.AllowedPaths {
		if strings.HasPrefix(allowed, "~/") {
			home, err := os.UserHomeDir()
			if err != nil {
				continue
			}
			allowed = filepath.Join(home, allowed[2:])
		}
		allowedAbs, err := filepath.Abs(allowed)
		if err != nil {
			continue
		}
		if real, err := filepath.EvalSymlinks(allowedAbs); err == nil {
			allowedAbs = real
		}
		allowedAbs = filepath.Clean(allowedAbs)
		if realPath == allowedAbs || strings.HasPrefix(realPath, allowedAbs+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// CheckHost verifies host (optionally host:port) against the net allowlist.
// An empty allowlist allows everything.
func (p Permissions) CheckHost(hostport string) error {
	if len(p.NetAllowlist) == 0 {
		return nil
	}
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	host = strings.ToLower(host)

	for _, allowed := range p.NetAllowlist {
		allowed = strings.ToLower(allowed)
		switch {
		case allowed == hostport || allowed == host:
			return nil
		case strings.HasPrefix(allowed, "*.") && strings.HasSuffix(host, allowed[1:]):
			return nil
		}
	}
	return &netNotAllowedError{Host: hostport}
}

// CheckURL verifies the host of a URL against the net allowlist.
func (p Permissions) CheckURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return operr.Invalid("url", "%v", err)
	}
	return p.CheckHost(u.Host)
}

type netNotAllowedError struct {
	Host string
}

func (e *netNotAllowedError) Error() string {
	return "tether: network access not allowed: " + e.Host
}

func (e *netNotAllowedError) Is(target error) bool {
	return target == operr.ErrPermission
}
