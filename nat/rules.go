package nat

import (
	"fmt"
	"strings"

	"github.com/igjeong/edgeflow/packet"
	"github.com/igjeong/edgeflow/store"
)

// Rule is the translation stored for a destination identity.
type Rule struct {
	TargetIP uint32
}

// TranslationMap holds translations keyed by destination identity. A key
// with IP 0 matches any destination address.
type TranslationMap = store.Map[packet.ConnIdent, Rule]

// TranslationTable resolves the translation for a destination.
type TranslationTable struct {
	rules TranslationMap
}

// NewTranslationTable creates a table over rules.
func NewTranslationTable(rules TranslationMap) *TranslationTable {
	return &TranslationTable{rules: rules}
}

// Lookup tries the exact destination first and falls back to the wildcard
// address. First match wins.
func (t *TranslationTable) Lookup(dst packet.ConnIdent) (Rule, bool) {
	if rule, ok := t.rules.Lookup(dst); ok {
		return rule, true
	}
	if dst.IsWildcard() {
		return Rule{}, false
	}
	return t.rules.Lookup(dst.Wildcard())
}

// Map returns the underlying map for control plane updates.
func (t *TranslationTable) Map() TranslationMap {
	return t.rules
}

// RedirectTarget selects where a translation points.
type RedirectTarget string

const (
	// RedirectToIP uses an explicitly configured address.
	RedirectToIP RedirectTarget = "ip"
	// RedirectToInterface uses the primary address of the attached interface.
	RedirectToInterface RedirectTarget = "interface"
)

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *RedirectTarget) UnmarshalText(text []byte) error {
	switch v := RedirectTarget(strings.ToLower(string(text))); v {
	case "", RedirectToIP:
		*r = RedirectToIP
	case RedirectToInterface:
		*r = v
	default:
		return fmt.Errorf("unknown redirect target: %q", text)
	}
	return nil
}
