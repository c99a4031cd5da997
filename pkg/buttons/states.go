package buttons

import (
	"log/slog"

	"github.com/robbyt/go-fsm"
)

// Button state constants
const (
	StateIdle       = "idle"       // Showing the price or "Install"
	StatePurchasing = "purchasing" // Payment flow in progress
	StatePurchased  = "purchased"  // Paid for, install not started yet
	StateSpinning   = "spinning"   // Install in progress
	StateLaunch     = "launch"     // Installed; clicking launches the app
)

// Visual classes understood by the controller.
const (
	ClassPurchasing = "purchasing"
	ClassPurchased  = "purchased"
	ClassInstalling = "installing"
	ClassError      = "error"
	ClassSpinning   = "spinning"
	ClassLaunch     = "launch"
	ClassInstall    = "install"
)

// Labels shown on buttons.
const (
	LabelPurchasing = "Purchasing"
	LabelInstall    = "Install"
	LabelLaunch     = "Launch"
)

// transientClasses are removed whenever a button is reverted.
var transientClasses = []string{ClassPurchasing, ClassInstalling, ClassError, ClassSpinning}

// Transitions defines the valid state changes of a button. Every state may
// transition to itself so that repeated calls are idempotent.
var Transitions = map[string][]string{
	StateIdle:       {StateIdle, StatePurchasing, StatePurchased, StateSpinning, StateLaunch},
	StatePurchasing: {StatePurchasing, StatePurchased, StateIdle, StateSpinning, StateLaunch},
	StatePurchased:  {StatePurchased, StateSpinning, StatePurchasing, StateIdle, StateLaunch},
	StateSpinning:   {StateSpinning, StateIdle, StatePurchased, StatePurchasing, StateLaunch},
	StateLaunch:     {StateLaunch, StateSpinning},
}

// newMachine creates the state machine for one button.
func newMachine(initial string) (*fsm.Machine, error) {
	return fsm.New(slog.DiscardHandler, initial, Transitions)
}

// stateForClasses derives the machine state from the visual classes.
func stateForClasses(classes map[string]bool) string {
	switch {
	case classes[ClassSpinning]:
		return StateSpinning
	case classes[ClassLaunch]:
		return StateLaunch
	case classes[ClassPurchasing]:
		return StatePurchasing
	case classes[ClassPurchased]:
		return StatePurchased
	default:
		return StateIdle
	}
}
