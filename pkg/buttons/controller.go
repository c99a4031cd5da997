// Package buttons drives the visual state of storefront install buttons.
//
// Every operation is purely visual and idempotent. Buttons are identified by
// an opaque handle assigned when they are mounted.
package buttons

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/robbyt/go-fsm"

	"github.com/openfroyo/storefront/pkg/registry"
	"github.com/openfroyo/storefront/pkg/storefront"
	"github.com/openfroyo/storefront/pkg/telemetry"
)

// ErrUnknownButton is returned when a handle was never mounted.
var ErrUnknownButton = errors.New("unknown button")

// ErrInvalidStateTransition is returned when a button cannot enter a state.
var ErrInvalidStateTransition = fsm.ErrInvalidStateTransition

// View is a snapshot of a button.
type View struct {
	ID          string   `json:"id"`
	ManifestURL string   `json:"manifest_url"`
	Label       string   `json:"label"`
	Classes     []string `json:"classes"`
	State       string   `json:"state"`
	Position    int      `json:"position"`
}

type button struct {
	id          string
	manifestURL string
	label       string
	oldLabel    string
	classes     map[string]bool
	position    int
	machine     *fsm.Machine
}

func (b *button) view() View {
	classes := make([]string, 0, len(b.classes))
	for c := range b.classes {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	return View{
		ID:          b.id,
		ManifestURL: b.manifestURL,
		Label:       b.label,
		Classes:     classes,
		State:       b.machine.GetState(),
		Position:    b.position,
	}
}

// Controller manages mounted buttons. It implements storefront.ButtonController.
type Controller struct {
	mu       sync.Mutex
	buttons  map[string]*button
	order    []string
	registry *registry.Registry
	events   *telemetry.EventPublisher
	logger   *telemetry.Logger
}

// NewController creates a controller. Installed apps are recorded in reg.
func NewController(reg *registry.Registry, events *telemetry.EventPublisher, logger *telemetry.Logger) *Controller {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	if reg == nil {
		reg = registry.New()
	}
	return &Controller{
		buttons:  make(map[string]*button),
		registry: reg,
		events:   events,
		logger:   logger.NewComponentLogger("buttons"),
	}
}

// Mount registers a button. Buttons for apps already in the registry start
// in the launch state. Mounting an existing handle returns its current view.
func (c *Controller) Mount(id, manifestURL, label string) (View, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.buttons[id]; ok {
		return b.view(), nil
	}

	// The mount label is what a failed purchase reverts to.
	b := &button{
		id:          id,
		manifestURL: manifestURL,
		label:       label,
		oldLabel:    label,
		classes:     map[string]bool{},
		position:    len(c.order),
	}

	initial := StateIdle
	if _, installed := c.registry.Lookup(manifestURL); installed {
		initial = StateLaunch
		b.label = LabelLaunch
		b.oldLabel = LabelLaunch
		b.classes[ClassLaunch] = true
		b.classes[ClassInstall] = true
	}

	machine, err := newMachine(initial)
	if err != nil {
		return View{}, fmt.Errorf("failed to create button state machine: %w", err)
	}
	b.machine = machine

	c.buttons[id] = b
	c.order = append(c.order, id)
	return b.view(), nil
}

// Get returns a snapshot of the button.
func (c *Controller) Get(id string) (View, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.buttons[id]
	if !ok {
		return View{}, fmt.Errorf("%w: %s", ErrUnknownButton, id)
	}
	return b.view(), nil
}

// SetBusy reverts the button to label and adds the classes in class.
func (c *Controller) SetBusy(handle, label, class string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.buttons[handle]
	if !ok {
		return
	}
	c.revert(b, label)
	for _, cls := range strings.Fields(class) {
		b.classes[cls] = true
	}
	c.sync(b)
}

// Spin remembers the current label and shows the spinner.
func (c *Controller) Spin(handle string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.buttons[handle]
	if !ok {
		return
	}
	if !b.classes[ClassSpinning] {
		b.oldLabel = b.label
		b.label = ""
	}
	b.classes[ClassSpinning] = true
	c.sync(b)
}

// IsSpinning reports whether the button still shows the spinner.
func (c *Controller) IsSpinning(handle string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.buttons[handle]
	return ok && b.classes[ClassSpinning]
}

// RevertIfSpinning reverts the button only while it still shows the spinner,
// checking and reverting under one lock. It reports whether it reverted.
func (c *Controller) RevertIfSpinning(handle string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.buttons[handle]
	if !ok || !b.classes[ClassSpinning] {
		return false
	}
	c.revert(b, "")
	c.sync(b)
	return true
}

// Revert removes transient classes and restores fallbackLabel, or the
// remembered label when fallbackLabel is empty.
func (c *Controller) Revert(handle, fallbackLabel string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.buttons[handle]
	if !ok {
		return
	}
	c.revert(b, fallbackLabel)
	c.sync(b)
}

// MarkInstalled flips the button for manifestURL to the launch state and
// records the installer handle. When handle is empty or unknown the button is
// looked up by manifest URL; if none is mounted nothing happens.
func (c *Controller) MarkInstalled(manifestURL string, installer storefront.InstallerHandle, handle string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.buttons[handle]
	if !ok {
		b = c.findByManifest(manifestURL)
		if b == nil {
			c.logger.WithManifest(manifestURL).Debug("no button mounted for installed app")
			return
		}
	}

	c.registry.Put(manifestURL, installer)

	c.revert(b, LabelLaunch)
	b.classes[ClassLaunch] = true
	b.classes[ClassInstall] = true
	c.sync(b)
}

// Position returns the index of the button among mounted buttons, or -1.
func (c *Controller) Position(handle string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.buttons[handle]
	if !ok {
		return -1
	}
	return b.position
}

// All returns snapshots of every mounted button in mount order.
func (c *Controller) All() []View {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]View, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.buttons[id].view())
	}
	return out
}

func (c *Controller) findByManifest(manifestURL string) *button {
	for _, id := range c.order {
		if b := c.buttons[id]; b.manifestURL == manifestURL {
			return b
		}
	}
	return nil
}

func (c *Controller) revert(b *button, label string) {
	for _, cls := range transientClasses {
		delete(b.classes, cls)
	}
	if label == "" {
		label = b.oldLabel
	}
	if label != "" {
		b.label = label
	}
}

// sync moves the state machine to the state implied by the classes.
func (c *Controller) sync(b *button) {
	from := b.machine.GetState()
	to := stateForClasses(b.classes)

	if err := b.machine.Transition(to); err != nil {
		c.logger.WithError(err).WithFields(map[string]interface{}{
			"button": b.id,
			"from":   from,
			"to":     to,
		}).Warn("Rejected button state change")
		return
	}
	if from != to {
		_ = c.events.PublishButtonChanged(b.id, from, to, b.label)
	}
}

var _ storefront.ButtonController = (*Controller)(nil)
