package wal

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// clientBuffer is how many payloads a slow client may fall behind before
// it is disconnected.
const clientBuffer = 256

// Broadcaster is the sidecar side of SidecarSource: it streams wal2json
// payloads from one Source and writes each, newline-terminated, to every
// connected TCP client.
type Broadcaster struct {
	src   Source
	retry time.Duration
	log   *zap.Logger

	mu        sync.Mutex
	listeners map[chan []byte]struct{}
}

func NewBroadcaster(src Source, log *zap.Logger) *Broadcaster {
	if log == nil {
		log = zap.NewNop()
	}
	return &Broadcaster{
		src:       src,
		retry:     defaultRetryDelay,
		log:       log,
		listeners: make(map[chan []byte]struct{}),
	}
}

func (b *Broadcaster) add(ch chan []byte) {
	b.mu.Lock()
	b.listeners[ch] = struct{}{}
	n := len(b.listeners)
	b.mu.Unlock()
	b.log.Info("sidecar client connected", zap.Int("clients", n))
}

func (b *Broadcaster) remove(ch chan []byte) {
	b.mu.Lock()
	_, ok := b.listeners[ch]
	delete(b.listeners, ch)
	n := len(b.listeners)
	b.mu.Unlock()
	if ok {
		close(ch)
		b.log.Info("sidecar client disconnected", zap.Int("clients", n))
	}
}

// Clients reports how many clients are connected.
func (b *Broadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

// Broadcast queues payload for every client. A client whose buffer is
// full is dropped; its view sees the feed as lost and reloads.
func (b *Broadcaster) Broadcast(payload []byte) {
	msg := append(append([]byte(nil), payload...), '\n')
	b.mu.Lock()
	var slow []chan []byte
	for ch := range b.listeners {
		select {
		case ch <- msg:
		default:
			slow = append(slow, ch)
		}
	}
	b.mu.Unlock()
	for _, ch := range slow {
		b.log.Warn("sidecar client too slow, disconnecting")
		b.remove(ch)
	}
}

// Run streams from the source until ctx is done, reconnecting after
// failures.
func (b *Broadcaster) Run(ctx context.Context) error {
	log := b.log.With(zap.String("source", b.src.Name()))
	for {
		err := b.src.Stream(ctx, Handler{
			Ready:   func() { log.Info("sidecar streaming") },
			Payload: b.Broadcast,
		})
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errors.New("stream ended")
		}
		log.Warn("replication stream lost, retrying", zap.Error(err), zap.Duration("retry_in", b.retry))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(b.retry):
		}
	}
}

// Serve accepts clients on l until ctx is done.
func (b *Broadcaster) Serve(ctx context.Context, l net.Listener) error {
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()
	b.log.Info("sidecar listening", zap.String("addr", l.Addr().String()))

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			b.log.Warn("accept failed", zap.Error(err))
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.handle(ctx, conn)
		}()
	}
}

func (b *Broadcaster) handle(ctx context.Context, c net.Conn) {
	defer c.Close()

	ch := make(chan []byte, clientBuffer)
	b.add(ch)
	defer b.remove(ch)

	// Clients never write; a finished read means they hung up.
	gone := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, c)
		close(gone)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gone:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if _, err := c.Write(msg); err != nil {
				b.log.Info("sidecar client write failed", zap.String("remote", c.RemoteAddr().String()), zap.Error(err))
				return
			}
		}
	}
}
