package sshtrans

import "github.com/pkg/errors"

const initialChannelSlots = 16

type slotState int

const (
	slotFree slotState = iota
	slotPending
	slotOpen
)

func (s slotState) String() string {
	switch s {
	case slotFree:
		return "free"
	case slotPending:
		return "pending"
	case slotOpen:
		return "open"
	}
	return "unknown"
}

// openWait pairs a locally opened channel with its waiter. err is set
// under the transport lock before done fires.
type openWait struct {
	done *Event
	err  error
}

type channelSlot struct {
	state slotState
	ch    Channel
	wait  *openWait
}

// channelTable maps local channel ids to channels. It is not safe for
// concurrent use, the transport lock guards it.
type channelTable struct {
	slots []channelSlot
}

func newChannelTable() *channelTable {
	return &channelTable{slots: make([]channelSlot, initialChannelSlots)}
}

// alloc reserves the lowest free id, doubling the table when full.
func (c *channelTable) alloc(ch Channel, state slotState) uint32 {
	for i := range c.slots {
		if c.slots[i].state == slotFree {
			c.slots[i] = channelSlot{state: state, ch: ch}
			return uint32(i)
		}
	}
	n := len(c.slots)
	grown := make([]channelSlot, n*2)
	copy(grown, c.slots)
	c.slots = grown
	c.slots[n] = channelSlot{state: state, ch: ch}
	return uint32(n)
}

func (c *channelTable) slot(id uint32) *channelSlot {
	if int64(id) >= int64(len(c.slots)) {
		return nil
	}
	s := &c.slots[id]
	if s.state == slotFree {
		return nil
	}
	return s
}

func (c *channelTable) get(id uint32) Channel {
	if s := c.slot(id); s != nil {
		return s.ch
	}
	return nil
}

func (c *channelTable) set(id uint32, ch Channel) {
	if s := c.slot(id); s != nil {
		s.ch = ch
	}
}

// bind moves a pending slot to open and returns its waiter.
func (c *channelTable) bind(id uint32) (Channel, *openWait, error) {
	s := c.slot(id)
	if s == nil || s.state != slotPending {
		return nil, nil, errors.Errorf("sshtrans: channel %d is not pending", id)
	}
	s.state = slotOpen
	w := s.wait
	s.wait = nil
	return s.ch, w, nil
}

// release frees id and returns the waiter still attached to it, if any.
func (c *channelTable) release(id uint32) *openWait {
	s := c.slot(id)
	if s == nil {
		return nil
	}
	w := s.wait
	*s = channelSlot{}
	return w
}

func (c *channelTable) count() int {
	n := 0
	for i := range c.slots {
		if c.slots[i].state != slotFree {
			n++
		}
	}
	return n
}

// each calls fn for every allocated slot.
func (c *channelTable) each(fn func(id uint32, s *channelSlot)) {
	for i := range c.slots {
		if c.slots[i].state != slotFree {
			fn(uint32(i), &c.slots[i])
		}
	}
}
