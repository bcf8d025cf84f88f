// Package secrets detects secret material pasted into profile values.
//
// Profiles hold credential references, never the credentials themselves. The
// validator runs every string value (except credentials.reference, which is
// opaque) through a Scanner and reports matches as warnings. Findings carry
// the rule that matched, never the matched text.
package secrets
