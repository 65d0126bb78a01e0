// Package session holds per-visitor try-on state: the two input slots, the
// single generation outcome, and the rules for moving between them.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/manash/tryon/internal/provider"
	"github.com/manash/tryon/pkg/models"
)

var (
	ErrBusy            = errors.New("a generation is already in progress")
	ErrNotReady        = errors.New("both images are required before generating")
	ErrNoResult        = errors.New("no result available")
	ErrPreviewNotFound = errors.New("preview not found")
)

type State string

const (
	StateIdle       State = "idle"
	StateReady      State = "ready_to_generate"
	StateGenerating State = "generating"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

// Ticket identifies one Begin call. A ticket issued before a Reset no longer
// matches and its resolution is dropped.
type Ticket struct {
	SessionID string
	epoch     uint64
	started   time.Time
}

// Started reports when the generation was triggered.
func (t Ticket) Started() time.Time {
	return t.started
}

type Controller struct {
	id          string
	instruction string
	model       string
	now         func() time.Time

	mu         sync.Mutex
	slots      map[models.Role]*models.Image
	generating bool
	result     *models.Result
	failure    string
	// outdated is set once slots change after an outcome. The outcome stays
	// visible but no longer decides the state.
	outdated   bool
	epoch      uint64
	lastActive time.Time
}

func NewController(id, instruction, model string) *Controller {
	return newController(id, instruction, model, time.Now)
}

func newController(id, instruction, model string, now func() time.Time) *Controller {
	return &Controller{
		id:          id,
		instruction: instruction,
		model:       model,
		now:         now,
		slots:       make(map[models.Role]*models.Image, 2),
		lastActive:  now(),
	}
}

func (c *Controller) ID() string {
	return c.id
}

// SetSlot replaces whatever the slot held. The outcome of a previous
// generation is left on display, but the state follows the slots again.
func (c *Controller) SetSlot(role models.Role, img *models.Image) error {
	if img == nil || len(img.Data) == 0 {
		return models.ErrEmptyImage
	}
	role, err := models.ParseRole(string(role))
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch()

	if c.generating {
		return ErrBusy
	}
	c.slots[role] = img
	c.outdated = true
	return nil
}

func (c *Controller) ClearSlot(role models.Role) error {
	role, err := models.ParseRole(string(role))
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch()

	if c.generating {
		return ErrBusy
	}
	delete(c.slots, role)
	c.outdated = true
	return nil
}

// RecordIntakeFailure surfaces a failed file read through the same outcome
// channel as generation failures. It is refused while generating so a late
// upload error cannot clobber the pending outcome.
func (c *Controller) RecordIntakeFailure(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch()

	if c.generating {
		return ErrBusy
	}
	c.result = nil
	c.failure = provider.Message(err)
	c.outdated = false
	return nil
}

// Begin moves to Generating and returns the request to send. Any previous
// outcome is cleared first.
func (c *Controller) Begin() (Ticket, *models.TryOnRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch()

	if c.generating {
		return Ticket{}, nil, ErrBusy
	}
	if !c.bothPopulated() {
		return Ticket{}, nil, ErrNotReady
	}

	c.result = nil
	c.failure = ""
	c.outdated = false
	c.generating = true
	c.epoch++

	req := &models.TryOnRequest{
		Instruction: c.instruction,
		Model:       c.model,
		Subject:     c.slots[models.RoleSubject],
		Garment:     c.slots[models.RoleGarment],
	}
	return Ticket{SessionID: c.id, epoch: c.epoch, started: c.now()}, req, nil
}

// Resolve applies the outcome of the call started by t. It reports whether
// the outcome was applied; a stale ticket is ignored.
func (c *Controller) Resolve(t Ticket, result *models.Result, err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.generating || t.epoch != c.epoch {
		return false
	}

	c.generating = false
	c.outdated = false
	c.touch()

	switch {
	case err != nil:
		c.failure = provider.Message(err)
	case result == nil:
		c.failure = provider.Message(provider.ErrNoImage)
	default:
		c.result = result
	}
	return true
}

// Reset clears both slots and the outcome from any state. An in-flight call
// keeps running but its resolution will be discarded.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.touch()

	c.slots = make(map[models.Role]*models.Image, 2)
	c.result = nil
	c.failure = ""
	c.outdated = false
	c.generating = false
	c.epoch++
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state()
}

func (c *Controller) state() State {
	switch {
	case c.generating:
		return StateGenerating
	case c.result != nil && !c.outdated:
		return StateSucceeded
	case c.failure != "" && !c.outdated:
		return StateFailed
	case c.bothPopulated():
		return StateReady
	default:
		return StateIdle
	}
}

// CanGenerate is true exactly when both slots are populated and nothing is
// in flight.
func (c *Controller) CanGenerate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bothPopulated() && !c.generating
}

func (c *Controller) bothPopulated() bool {
	return c.slots[models.RoleSubject] != nil && c.slots[models.RoleGarment] != nil
}

// Preview returns the slot image if id still names it. Replacing or clearing
// the slot invalidates old preview ids.
func (c *Controller) Preview(role models.Role, id string) (*models.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	img := c.slots[role]
	if img == nil || (id != "" && img.PreviewID != id) {
		return nil, fmt.Errorf("%w: %s", ErrPreviewNotFound, role)
	}
	return img, nil
}

func (c *Controller) Result() (*models.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.result == nil {
		return nil, ErrNoResult
	}
	return c.result, nil
}

// LastActive is the time of the last user event or resolution.
func (c *Controller) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

func (c *Controller) Generating() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generating
}

func (c *Controller) touch() {
	c.lastActive = c.now()
}

type SlotView struct {
	Role      models.Role `json:"role"`
	Name      string      `json:"name"`
	MIMEType  string      `json:"mimeType"`
	Size      int         `json:"size"`
	PreviewID string      `json:"previewId"`
}

// Snapshot is the render model handed to the UI.
type Snapshot struct {
	ID          string    `json:"id"`
	State       State     `json:"state"`
	CanGenerate bool      `json:"canGenerate"`
	Model       string    `json:"model"`
	Subject     *SlotView `json:"subject"`
	Garment     *SlotView `json:"garment"`
	Result      string    `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		ID:          c.id,
		State:       c.state(),
		CanGenerate: c.bothPopulated() && !c.generating,
		Model:       c.model,
		Subject:     slotView(models.RoleSubject, c.slots[models.RoleSubject]),
		Garment:     slotView(models.RoleGarment, c.slots[models.RoleGarment]),
		Error:       c.failure,
	}
	if c.result != nil {
		s.Result = c.result.DataURL()
	}
	return s
}

func slotView(role models.Role, img *models.Image) *SlotView {
	if img == nil {
		return nil
	}
	return &SlotView{
		Role:      role,
		Name:      img.Name,
		MIMEType:  img.MIMEType,
		Size:      img.Size(),
		PreviewID: img.PreviewID,
	}
}
