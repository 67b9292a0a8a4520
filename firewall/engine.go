package firewall

import (
	"github.com/igjeong/edgeflow/export"
	"github.com/igjeong/edgeflow/packet"
)

// Decision is the result of evaluating one frame.
type Decision struct {
	Verdict Verdict
	// Emit reports whether Event should be exported. It is only set for
	// fully parsed frames.
	Emit   bool
	Event  export.Event
	Status packet.Status
}

// Engine evaluates frames against a RuleTable.
type Engine struct {
	cfg    Config
	rules  RuleTable
	reader packet.Reader
}

// NewEngine creates an engine. A zero DefaultPolicy is treated as drop.
func NewEngine(cfg Config, rules RuleTable) *Engine {
	if cfg.DefaultPolicy != VerdictPass {
		cfg.DefaultPolicy = VerdictDrop
	}
	return &Engine{cfg: cfg, rules: rules}
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() Config {
	return e.cfg
}

// Evaluate decides the fate of frame. It never modifies frame.
func (e *Engine) Evaluate(frame []byte) Decision {
	pkt := e.reader.Read(frame)

	switch pkt.Status {
	case packet.StatusMalformed, packet.StatusFragmented:
		return Decision{Verdict: VerdictDrop, Status: pkt.Status}
	case packet.StatusARP:
		return Decision{Verdict: VerdictPass, Status: pkt.Status}
	case packet.StatusUnrecognized, packet.StatusUnsupportedTransport:
		return Decision{Verdict: e.cfg.DefaultPolicy, Status: pkt.Status}
	}

	d := Decision{
		Verdict: e.cfg.DefaultPolicy,
		Emit:    e.cfg.EmitUnmatched,
		Status:  pkt.Status,
	}

	key := packet.ConnIdent{Port: pkt.L4.DstPort, Transport: pkt.L4.Transport}
	if rule, ok := e.rules.Lookup(key); ok {
		d.Verdict = rule.Policy
		d.Emit = rule.Monitor
	}

	if d.Emit {
		d.Event = export.EventFromPacket(&pkt)
	}

	return d
}
