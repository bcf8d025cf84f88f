// Package profile defines the data model shared by the store, resolver,
// validator and detector.
//
// A Fragment is one named, storable configuration unit. It may extend a
// single parent fragment, carries a map of named sections, and optionally an
// ordered list of match rules used for automatic detection:
//
//	base:  [identity] name = "Org"
//	work:  extends = "base"
//	       [identity] email = "w@x.com"
//	       [[match]] priority = 10, remote = "*org/*"
//
// Resolving "work" merges the chain root-to-leaf into a Resolved value:
//
//	identity.name  = "Org"      (from base)
//	identity.email = "w@x.com"  (from work)
//
// Section values are canonicalized by Normalize so that every supported
// encoding decodes to the same structure.
package profile
