package fli

import (
	"strings"

	"github.com/nasa-jpl/golab-fli/camera"
	"github.com/nasa-jpl/golab-fli/util"
	"github.com/pkg/errors"
)

// FilterTable maps filter names to wheel slots and back
type FilterTable struct {
	names []string
	slots map[string]int
}

// NewFilterTable builds a table from names in slot order.  Names must be unique
func NewFilterTable(names []string) (*FilterTable, error) {
	if dups := util.Duplicates(names); len(dups) > 0 {
		return nil, errors.Errorf("filter names used for more than one slot: %s", strings.Join(dups, ", "))
	}
	t := &FilterTable{names: make([]string, len(names)), slots: make(map[string]int, len(names))}
	for i, n := range names {
		t.slots[n] = i
		t.names[i] = n
	}
	return t, nil
}

// Slot returns the slot of a named filter
func (t *FilterTable) Slot(name string) (int, error) {
	s, ok := t.slots[name]
	if !ok {
		return 0, errors.Wrapf(camera.ErrUnknownFilter, "%q", name)
	}
	return s, nil
}

// Name returns the name of the filter in a slot
func (t *FilterTable) Name(slot int) (string, error) {
	if slot < 0 || slot >= len(t.names) {
		return "", errors.Errorf("wheel reports slot %d, which is not in the filter table", slot)
	}
	return t.names[slot], nil
}

// Names returns the filter names in slot order
func (t *FilterTable) Names() []string {
	out := make([]string, len(t.names))
	copy(out, t.names)
	return out
}

// SetFilter moves the wheel to a named filter.  The call blocks until the
// wheel has moved; concurrent moves are serialized.  An exposure cannot
// start while the wheel moves.
func (c *Camera) SetFilter(name string) error {
	if c.wheel == nil {
		return camera.ErrNoFilterWheel
	}
	slot, err := c.filters.Slot(name)
	if err != nil {
		return err
	}
	return c.command(func() error {
		c.wheelMu.Lock()
		defer c.wheelMu.Unlock()
		c.log.Debugw("moving filter wheel", "filter", name, "slot", slot)
		return errors.Wrapf(c.wheel.SetFilterPos(slot), "moving to filter %s", name)
	})
}

// GetFilter returns the name of the filter in the beam
func (c *Camera) GetFilter() (string, error) {
	if c.wheel == nil {
		return "", camera.ErrNoFilterWheel
	}
	if c.Busy() {
		return "", camera.ErrExposureInProgress
	}
	return c.currentFilter()
}

func (c *Camera) currentFilter() (string, error) {
	c.wheelMu.Lock()
	pos, err := c.wheel.GetFilterPos()
	c.wheelMu.Unlock()
	if err != nil {
		return "", errors.Wrap(err, "reading filter position")
	}
	return c.filters.Name(pos)
}

// Filters returns the filter names in slot order.  It is empty with no wheel
func (c *Camera) Filters() []string {
	if c.filters == nil {
		return []string{}
	}
	return c.filters.Names()
}
