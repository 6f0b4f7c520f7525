package war

import (
	"fmt"
	"time"

	"github.com/dop251/goja"
	"github.com/kasuganosora/guildhall/server/model"
	"go.uber.org/zap"
)

// Outcome is the result side chosen by a winner rule.
type Outcome int

const (
	OutcomeDraw Outcome = iota
	OutcomeAttacker
	OutcomeDefender
)

// Stats is the snapshot handed to a winner rule when a war runs its full
// duration.
type Stats struct {
	War             model.GuildWar
	Attacker        model.Guild
	Defender        model.Guild
	AttackerMembers int
	DefenderMembers int
}

// WinnerRule decides the outcome of a war that ran to its time limit.
type WinnerRule interface {
	Decide(stats Stats) (Outcome, error)
}

// DrawRule is the default rule: every timed-out war ends in a draw.
type DrawRule struct{}

func (DrawRule) Decide(Stats) (Outcome, error) { return OutcomeDraw, nil }

// ScriptRule evaluates a configured JavaScript expression to pick the winner.
// The script sees `attacker` and `defender` objects and must evaluate to the
// string "attacker", "defender", or "draw". A fresh VM is built per decision
// so scripts cannot leak state between wars; a watchdog interrupts scripts
// that exceed the timeout.
type ScriptRule struct {
	src     string
	timeout time.Duration
	logger  *zap.Logger
}

// NewScriptRule compiles nothing up front; the source is evaluated per call.
func NewScriptRule(src string, timeout time.Duration, logger *zap.Logger) *ScriptRule {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &ScriptRule{src: src, timeout: timeout, logger: logger}
}

func sideObject(g model.Guild, members int) map[string]interface{} {
	return map[string]interface{}{
		"id":      g.ID,
		"name":    g.Name,
		"level":   g.Level,
		"exp":     g.Exp,
		"gold":    g.Gold,
		"members": members,
	}
}

func (r *ScriptRule) Decide(stats Stats) (Outcome, error) {
	vm := goja.New()
	if err := vm.Set("attacker", sideObject(stats.Attacker, stats.AttackerMembers)); err != nil {
		return OutcomeDraw, err
	}
	if err := vm.Set("defender", sideObject(stats.Defender, stats.DefenderMembers)); err != nil {
		return OutcomeDraw, err
	}

	watchdog := time.AfterFunc(r.timeout, func() {
		vm.Interrupt("winner script timeout")
	})
	defer watchdog.Stop()

	val, err := vm.RunString(r.src)
	if err != nil {
		return OutcomeDraw, fmt.Errorf("winner script: %w", err)
	}

	switch val.String() {
	case "attacker":
		return OutcomeAttacker, nil
	case "defender":
		return OutcomeDefender, nil
	case "draw":
		return OutcomeDraw, nil
	default:
		return OutcomeDraw, fmt.Errorf("winner script returned %q, want attacker/defender/draw", val.String())
	}
}
