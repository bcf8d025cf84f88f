// Package logging builds the zap logger used by gitprofile.
//
// # Usage
//
//	cfg, err := logging.FromStrings("debug", "json")
//	if err != nil {
//	    return err
//	}
//	logger, err := logging.NewLogger(cfg)
//	if err != nil {
//	    return err
//	}
//	defer logging.Sync(logger)
//
// Components take a *zap.Logger and default to zap.NewNop().
//
// # Redaction
//
// Credential references are opaque and must never be printed. The encoder
// replaces values of sensitive field names ("reference", "credential",
// "helper" and similar) with [REDACTED], and string values matching private
// key or password patterns with [REDACTED:pattern].
//
// # Testing
//
//	tl := logging.NewTestLogger()
//	e, err := engine.New(cfg, engine.WithLogger(tl.Logger))
//	tl.AssertLogged(t, zapcore.WarnLevel, "skipping fragment")
package logging
