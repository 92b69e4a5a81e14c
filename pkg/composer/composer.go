// Package composer holds the draft of the outgoing message and the state of
// the emoji picker. It has no I/O of its own; Send hands the draft to the
// conversation controller.
package composer

import (
	"sync"
)

// Sender is the part of the conversation controller the composer needs.
type Sender interface {
	SendMessage(text string) bool
}

// Palette is the set of fragments offered by the picker.
var Palette = []string{
	"😀", "😂", "😊", "😍", "😎", "🤔", "😢", "😡",
	"👍", "👎", "👏", "🙏", "🎉", "❤️", "🔥", "✅",
}

type Composer struct {
	sender Sender

	mu         sync.Mutex
	draft      string
	pickerOpen bool
}

func New(sender Sender) *Composer {
	return &Composer{sender: sender}
}

func (c *Composer) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

func (c *Composer) SetDraft(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.draft = text
}

// AppendToDraft concatenates fragment to the draft as is.
func (c *Composer) AppendToDraft(fragment string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.draft += fragment
}

func (c *Composer) PickerOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pickerOpen
}

func (c *Composer) TogglePicker() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pickerOpen = !c.pickerOpen
	return c.pickerOpen
}

func (c *Composer) ClosePicker() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pickerOpen = false
}

// Pick appends the palette entry at index i. Out of range indexes are ignored.
func (c *Composer) Pick(i int) bool {
	if i < 0 || i >= len(Palette) {
		return false
	}
	c.AppendToDraft(Palette[i])
	return true
}

// Send hands the draft to the controller. When the controller accepts it the
// draft is cleared and the picker closed; a declined send keeps both.
func (c *Composer) Send() bool {
	c.mu.Lock()
	text := c.draft
	c.mu.Unlock()

	if c.sender == nil || !c.sender.SendMessage(text) {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// only clear what was sent; typing that raced the send survives
	if c.draft == text {
		c.draft = ""
	}
	c.pickerOpen = false
	return true
}
