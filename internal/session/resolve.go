package session

import (
	"os"

	"github.com/matheus3301/msync/internal/config"
)

// DefaultSessionName is used when nothing else names a session.
const DefaultSessionName = "main"

// SessionEnv names the session for scripts that cannot pass --session.
const SessionEnv = "MSYNC_SESSION"

// Resolve picks the session name. The --session flag wins, then
// $MSYNC_SESSION, then default_session from config.toml, then "main".
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if name := os.Getenv(SessionEnv); name != "" {
		return name
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultSession != "" {
		return cfg.DefaultSession
	}
	return DefaultSessionName
}
