package client

import (
	"context"
	"encoding/json"

	"go.uber.org/multierr"

	"github.com/johnsiilver/localsocks/wire"
)

// FDSet is a set of socket handles.
type FDSet map[int]bool

// Add adds handles to the set.
func (s FDSet) Add(handles ...int) FDSet {
	for _, h := range handles {
		s[h] = true
	}
	return s
}

// Handles returns the handles in the set.
func (s FDSet) Handles() []int {
	out := make([]int, 0, len(s))
	for h := range s {
		out = append(out, h)
	}
	return out
}

// Ready is the result of Select().
type Ready struct {
	Read   FDSet
	Write  FDSet
	Except FDSet
}

// Len is the number of ready handles, counting a handle once per set it is in.
func (r Ready) Len() int {
	return len(r.Read) + len(r.Write) + len(r.Except)
}

// Select waits until a handle in read is readable, a handle in write is writable or a handle in
// except has an exceptional condition, or until ctx is done. Use context.WithTimeout() for a
// select timeout. A zero Ready and ctx.Err() are returned when ctx ends first.
//
// A handle that is not valid is reported in Except.
func (c *Client) Select(ctx context.Context, read, write, except FDSet) (Ready, error) {
	masks := map[int]uint8{}
	for h := range read {
		masks[h] |= wire.EventRead
	}
	for h := range write {
		masks[h] |= wire.EventWrite
	}
	for h := range except {
		masks[h] |= wire.EventExcept
	}
	if len(masks) == 0 {
		<-ctx.Done()
		return Ready{}, ctx.Err()
	}

	// Each event bit of a handle fires once.
	ch := make(chan wire.SelectEvent, 3*len(masks))
	c.mu.Lock()
	c.nextTag++
	tag := c.nextTag
	c.waiters[tag] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.waiters, tag)
		c.mu.Unlock()
	}()

	var err error
	for h, m := range masks {
		err = multierr.Append(err, c.selectSend(wire.MethodSelectRequest, h, m, tag))
	}
	if err != nil {
		c.clear(masks, tag)
		return Ready{}, err
	}

	ready := Ready{Read: FDSet{}, Write: FDSet{}, Except: FDSet{}}
	select {
	case ev := <-ch:
		ready.add(ev, masks)
	case <-ctx.Done():
		c.clear(masks, tag)
		return Ready{}, ctx.Err()
	}

	c.clear(masks, tag)
	// Events that raced with the clear still count.
	for {
		select {
		case ev := <-ch:
			ready.add(ev, masks)
		default:
			return ready, nil
		}
	}
}

func (r Ready) add(ev wire.SelectEvent, masks map[int]uint8) {
	want := masks[ev.Handle]
	if ev.Events&want&wire.EventRead != 0 {
		r.Read[ev.Handle] = true
	}
	if ev.Events&want&wire.EventWrite != 0 {
		r.Write[ev.Handle] = true
	}
	// An invalid handle is reported as an exception whatever was asked.
	if ev.Events&wire.EventExcept != 0 {
		r.Except[ev.Handle] = true
	}
}

// clear removes the registrations that did not fire.
func (c *Client) clear(masks map[int]uint8, tag uint64) {
	for h, m := range masks {
		c.selectSend(wire.MethodSelectClear, h, m, tag)
	}
}

func (c *Client) selectSend(method string, h int, events uint8, tag uint64) error {
	b, err := json.Marshal(wire.SelectReq{Handle: h, Events: events, Tag: tag})
	if err != nil {
		return err
	}
	return c.rpc.Send(method, b)
}
