package server

// Config carries the boot parameters. Operational settings (CAPTCHA
// provider, connection caps, recording options) live in the settings table
// and are editable at runtime; everything here requires a restart.
type Config struct {
	// Listen is the host:port the HTTP listener binds.
	Listen string

	// DocRoot is served at / for the web client. Empty disables static
	// file serving.
	DocRoot string

	// Database is a SQLite path or a postgres:// DSN.
	Database string

	// RecordingsDir is where recording files are written.
	RecordingsDir string

	// AutoStartVMs starts every VM whose settings enable auto-start.
	AutoStartVMs bool

	// TrustedProxies lists IPs or CIDRs whose Forwarded headers are
	// honored when resolving client addresses.
	TrustedProxies []string
}

// DefaultConfig returns the config used when no flags are given.
func DefaultConfig() Config {
	return Config{
		Listen:        "127.0.0.1:6004",
		Database:      "collabvm.db",
		RecordingsDir: "recordings",
	}
}
