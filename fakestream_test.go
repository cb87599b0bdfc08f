package reverb

import (
	"context"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cartridge/reverb/internal/wire"
)

// fakeStream is a hand-written wire.Stream for tests, grounded on the
// original C++ test suite's FakeStream/MockClientReaderWriter: it lets a
// test script exactly when sends fail and whether confirmations are
// echoed back automatically.
type fakeStream struct {
	mu          sync.Mutex
	sendErr     error
	autoConfirm bool
	sent        []*wire.ClientMessage
	recvCh      chan *wire.ServerMessage
	finishErr   error
}

func newFakeStream(sendErr error, autoConfirm bool) *fakeStream {
	return &fakeStream{
		sendErr:     sendErr,
		autoConfirm: autoConfirm,
		recvCh:      make(chan *wire.ServerMessage, 64),
	}
}

func (s *fakeStream) Send(m *wire.ClientMessage) error {
	s.mu.Lock()
	if s.sendErr != nil {
		err := s.sendErr
		s.finishErr = err
		s.mu.Unlock()
		return err
	}
	s.sent = append(s.sent, m)
	autoConfirm := s.autoConfirm
	s.mu.Unlock()

	if autoConfirm && m.Item != nil {
		s.recvCh <- &wire.ServerMessage{ConfirmedItemKey: m.Item.Key}
	}
	return nil
}

func (s *fakeStream) Recv() (*wire.ServerMessage, error) {
	msg, ok := <-s.recvCh
	if !ok {
		return nil, status.Error(codes.Unavailable, "stream closed")
	}
	return msg, nil
}

func (s *fakeStream) CloseSend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recvCh != nil {
		close(s.recvCh)
	}
	return nil
}

func (s *fakeStream) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishErr
}

// snapshotSent returns a copy of every ClientMessage sent so far, for
// tests that assert on wire message order without racing the worker
// goroutine still appending to it.
func (s *fakeStream) snapshotSent() []*wire.ClientMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*wire.ClientMessage, len(s.sent))
	copy(out, s.sent)
	return out
}

// fakeDialer hands out successive generations of fakeStream built by
// gen, indexed from 1.
type fakeDialer struct {
	mu  sync.Mutex
	n   int
	gen func(generation int) *fakeStream
}

func (d *fakeDialer) Dial(ctx context.Context) (wire.Stream, error) {
	d.mu.Lock()
	d.n++
	n := d.n
	d.mu.Unlock()
	return d.gen(n), nil
}
