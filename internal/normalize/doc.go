// Package normalize canonicalizes legal references and deduplicates them.
//
// A law title is reduced to an identity by expanding known abbreviations
// (CE, LPAC, RGPD, ...), stripping diacritics and case, turning spelled-out
// numbers into digits and collapsing whitespace. Numbered instruments map to
// "kind:number" identities so "LPAC" and "Ley 39/2015" meet on "ley:39/2015".
//
// The canonical key is the identity plus the normalized article number.
// Article suffixes are significant: "24" and "24 bis" never merge.
//
// The abbreviation table is embedded TOML and may be layered with an
// override file that is hot-reloaded through a Registry.
package normalize
