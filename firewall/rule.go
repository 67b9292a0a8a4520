// Package firewall implements the stateless destination port filter.
package firewall

import (
	"fmt"
	"strings"

	"github.com/igjeong/edgeflow/packet"
	"github.com/igjeong/edgeflow/store"
)

// Verdict is the disposition of a frame at the filter point.
type Verdict uint32

const (
	VerdictDrop Verdict = iota + 1
	VerdictPass
)

func (v Verdict) String() string {
	switch v {
	case VerdictDrop:
		return "drop"
	case VerdictPass:
		return "pass"
	default:
		return "unspecified"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Verdict) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "drop":
		*v = VerdictDrop
	case "pass":
		*v = VerdictPass
	default:
		return fmt.Errorf("unknown verdict: %q", text)
	}
	return nil
}

// Rule is the policy stored for a {0, port, transport} identity.
type Rule struct {
	Policy  Verdict
	Monitor bool
	_       [3]byte
}

// RuleTable maps wildcard identities to rules.
type RuleTable = store.Map[packet.ConnIdent, Rule]

// Config is fixed when the engine is constructed.
type Config struct {
	// DefaultPolicy applies to frames without a matching rule.
	DefaultPolicy Verdict
	// EmitUnmatched emits events for frames without a matching rule.
	EmitUnmatched bool
}
