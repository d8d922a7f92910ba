package link

import (
	"context"
	"sync"

	"go.uber.org/multierr"

	"fanrelay/internal/destination"
)

// Set is the group of links a session (or the UDP server) fans out to.
type Set struct {
	session uint64
	factory Factory
	links   []Link
}

// NewSet builds one link per destination with factory.  The links are
// not started.
func NewSet(session uint64, dests *destination.Set, factory Factory) *Set {
	all := dests.All()
	s := &Set{session: session, factory: factory, links: make([]Link, 0, len(all))}
	for _, d := range all {
		s.links = append(s.links, factory(session, d))
	}
	return s
}

// Update returns the set for dests, carrying over the links of every
// destination that is still listed.  Links for added destinations are
// started with ctx; links for removed ones are closed before Update
// returns.  s must not be used afterwards.
func (s *Set) Update(ctx context.Context, dests *destination.Set) (*Set, error) {
	kept := make(map[string]Link, len(s.links))
	for _, l := range s.links {
		kept[l.Destination().Key()] = l
	}

	all := dests.All()
	next := &Set{session: s.session, factory: s.factory, links: make([]Link, 0, len(all))}
	for _, d := range all {
		if l, ok := kept[d.Key()]; ok {
			delete(kept, d.Key())
			next.links = append(next.links, l)
			continue
		}
		l := s.factory(s.session, d)
		l.Start(ctx)
		next.links = append(next.links, l)
	}

	removed := &Set{}
	for _, l := range s.links {
		if _, ok := kept[l.Destination().Key()]; ok {
			removed.links = append(removed.links, l)
		}
	}
	return next, removed.Close()
}

// Start launches every link.  Connection attempts run concurrently.
func (s *Set) Start(ctx context.Context) {
	for _, l := range s.links {
		l.Start(ctx)
	}
}

// Send offers unit to every link exactly once and returns how many
// accepted it.  Per-link failures are reported by the links themselves.
func (s *Set) Send(unit []byte) int {
	accepted := 0
	for _, l := range s.links {
		if l.Send(unit) == nil {
			accepted++
		}
	}
	return accepted
}

// Links returns the links in destination order.
func (s *Set) Links() []Link {
	out := make([]Link, len(s.links))
	copy(out, s.links)
	return out
}

// Len returns the number of links.
func (s *Set) Len() int { return len(s.links) }

// Connected returns how many links are currently Connected.
func (s *Set) Connected() int {
	n := 0
	for _, l := range s.links {
		if l.State() == Connected {
			n++
		}
	}
	return n
}

// Close closes every link concurrently and waits for all of them.
func (s *Set) Close() error {
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		err error
	)
	for _, l := range s.links {
		wg.Add(1)
		go func(l Link) {
			defer wg.Done()
			if cerr := l.Close(); cerr != nil {
				mu.Lock()
				err = multierr.Append(err, cerr)
				mu.Unlock()
			}
		}(l)
	}
	wg.Wait()
	return err
}
