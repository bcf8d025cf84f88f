package secrets

// Config selects the rules a Scanner applies.
type Config struct {
	// Enabled turns scanning on. A disabled scanner reports nothing.
	Enabled bool

	// Rules are compiled by New.
	Rules []Rule

	// AllowList holds patterns of matches that are never reported, such as
	// placeholder URLs in shared profiles.
	AllowList []string
}

// Rule describes one kind of secret.
type Rule struct {
	ID string

	// Description names the secret in warnings, e.g. "GitHub personal
	// access token". It never contains matched text.
	Description string

	// Pattern is an RE2 expression.
	Pattern string

	// Keywords gate the rule: when set, at least one must appear in the
	// value (case-insensitive) before Pattern is tried.
	Keywords []string
}

// DefaultConfig returns an enabled configuration with DefaultRules.
func DefaultConfig() *Config {
	return &Config{Enabled: true, Rules: DefaultRules()}
}
