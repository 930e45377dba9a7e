package broker

import "sync"

// Broker fans messages out to subscribers. Broadcast never blocks: a
// subscriber whose buffer is full misses the message.
type Broker[T any] struct {
	stopC      chan struct{}
	broadcastC chan T
	subC       chan chan T
	unsubC     chan chan T
	done       chan struct{}
	buffer     int
	stopOnce   sync.Once
}

func New[T any](buffer int) *Broker[T] {
	if buffer <= 0 {
		buffer = 5
	}
	return &Broker[T]{
		stopC:      make(chan struct{}),
		broadcastC: make(chan T, buffer),
		subC:       make(chan chan T),
		unsubC:     make(chan chan T),
		done:       make(chan struct{}),
		buffer:     buffer,
	}
}

// Start runs the fan-out loop until Stop is called.
func (b *Broker[T]) Start() {
	defer close(b.done)
	subs := map[chan T]bool{}
	for {
		select {
		case <-b.stopC:
			for c := range subs {
				close(c)
			}
			return
		case newC := <-b.subC:
			subs[newC] = true
		case oldC := <-b.unsubC:
			if subs[oldC] {
				delete(subs, oldC)
				close(oldC)
			}
		case msg := <-b.broadcastC:
			for subbedC := range subs {
				select {
				case subbedC <- msg:
				default:
				}
			}
		}
	}
}

// Stop ends the loop and closes all subscriber channels.
func (b *Broker[T]) Stop() {
	b.stopOnce.Do(func() { close(b.stopC) })
}

// Done is closed once the loop has exited.
func (b *Broker[T]) Done() <-chan struct{} {
	return b.done
}

// Subscribe returns nil when the broker has stopped.
func (b *Broker[T]) Subscribe() chan T {
	newC := make(chan T, b.buffer)
	select {
	case b.subC <- newC:
		return newC
	case <-b.stopC:
		return nil
	}
}

func (b *Broker[T]) Unsubscribe(oldC chan T) {
	select {
	case b.unsubC <- oldC:
	case <-b.stopC:
	}
}

func (b *Broker[T]) Broadcast(msg T) {
	select {
	case <-b.stopC:
		return
	default:
	}
	select {
	case b.broadcastC <- msg:
	case <-b.stopC:
	default:
	}
}
