package app

import (
	"errors"
	"net"
	"strings"
)

// ValidateSecurityConfig refuses to expose an unauthenticated broker beyond loopback unless
// the operator opted in.
func ValidateSecurityConfig(cfg ServerConfig) error {
	if cfg.RequireAuth || cfg.AllowInsecureBind {
		return nil
	}
	host, _, err := net.SplitHostPort(cfg.HTTPAddr)
	if err != nil {
		return err
	}
	if isLoopbackHost(host) {
		return nil
	}
	return errors.New("security policy: TUITUI_REQUIRE_AUTH=false on a non-loopback address " +
		"(set TUITUI_REQUIRE_AUTH=true or TUITUI_ALLOW_INSECURE_BIND=true)")
}

func isLoopbackHost(host string) bool {
	host = strings.Trim(host, "[]")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
