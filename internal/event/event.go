// Package event provides the bus on which the telnet engine reports
// protocol activity to observers such as the trace logger.
package event

import (
	"slices"
	"sync"
)

type Name string

type Event struct {
	Name Name
	Data any
}

type Handler interface {
	Handle(ev Event) error
}

type HandlerFunc func(ev Event) error

func (f HandlerFunc) Handle(ev Event) error {
	return f(ev)
}

type Bus interface {
	Subscribe(name Name, h Handler)
	SubscribeFunc(name Name, fn HandlerFunc) Handler
	Unsubscribe(name Name, h Handler)
	Publish(ev Event) error
}

func NewBus() Bus {
	return &bus{
		handlers: map[Name][]Handler{},
	}
}

type bus struct {
	handlers map[Name][]Handler
	sync.RWMutex
}

func (b *bus) Subscribe(name Name, h Handler) {
	b.Lock()
	defer b.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

func (b *bus) SubscribeFunc(name Name, fn HandlerFunc) (h Handler) {
	h = &fn
	b.Subscribe(name, h)
	return
}

func (b *bus) Unsubscribe(name Name, h Handler) {
	b.Lock()
	defer b.Unlock()
	b.handlers[name] = slices.DeleteFunc(b.handlers[name], func(hh Handler) bool {
		return h == hh
	})
}

func (b *bus) Publish(ev Event) (err error) {
	b.RLock()
	defer b.RUnlock()
	for _, h := range b.handlers[ev.Name] {
		if err = h.Handle(ev); err != nil {
			return
		}
	}
	return
}
