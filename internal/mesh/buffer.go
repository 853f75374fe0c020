package mesh

import "github.com/gammazero/deque"

// SignalBuffer holds local signals that cannot be sent yet, in the order the
// engine produced them.
type SignalBuffer struct {
	q deque.Deque[LocalSignal]
}

func (b *SignalBuffer) Push(sig LocalSignal) {
	b.q.PushBack(sig)
}

func (b *SignalBuffer) Len() int {
	return b.q.Len()
}

// Drain hands buffered signals to send, oldest first. A signal is removed
// only once send accepts it; on the first failure Drain stops and returns
// the error, leaving that signal at the front for the next attempt.
func (b *SignalBuffer) Drain(send func(LocalSignal) error) error {
	for b.q.Len() > 0 {
		if err := send(b.q.Front()); err != nil {
			return err
		}
		b.q.PopFront()
	}
	return nil
}

func (b *SignalBuffer) Clear() {
	b.q.Clear()
}
