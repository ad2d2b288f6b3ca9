package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/pebbe/zmq4"
)

var (
	ErrConnectTimeout = errors.New("telemetry: timed out connecting to bus")
	ErrDisconnected   = errors.New("telemetry: bus disconnected")
	ErrClosed         = errors.New("telemetry: bus closed")
)

const monitorPoll = 100 * time.Millisecond

type Options struct {
	ConnectTimeout  time.Duration
	ReconnectIvl    time.Duration
	ReconnectIvlMax time.Duration
	SendHWM         int
}

func DefaultOptions() Options {
	return Options{
		ConnectTimeout:  5 * time.Second,
		ReconnectIvl:    100 * time.Millisecond,
		ReconnectIvlMax: 5 * time.Second,
		SendHWM:         16,
	}
}

// ZMQBus publishes [topic, cbor(value)] multipart messages on a PUB socket
// connected to the bus endpoint. Reconnects after the first connection are
// left to ZMQ's backoff and only logged.
type ZMQBus struct {
	endpoint string

	mu     sync.Mutex
	sock   *zmq4.Socket
	closed bool

	connected atomic.Bool
	stop      chan struct{}
	wg        sync.WaitGroup
}

// DialZMQ connects to endpoint and waits until the first connection is
// established, at most opts.ConnectTimeout.
func DialZMQ(ctx context.Context, endpoint string, opts Options) (*ZMQBus, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultOptions().ConnectTimeout
	}
	sock, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return nil, err
	}
	if err := configure(sock, opts); err != nil {
		sock.Close()
		return nil, err
	}

	monitorAddr := "inproc://telemetry-monitor-" + uuid.NewString()
	events := zmq4.EVENT_CONNECTED | zmq4.EVENT_DISCONNECTED | zmq4.EVENT_CONNECT_RETRIED | zmq4.EVENT_MONITOR_STOPPED
	if err := sock.Monitor(monitorAddr, events); err != nil {
		sock.Close()
		return nil, fmt.Errorf("monitor bus socket: %w", err)
	}
	monitor, err := zmq4.NewSocket(zmq4.PAIR)
	if err != nil {
		sock.Close()
		return nil, err
	}
	if err := monitor.SetRcvtimeo(monitorPoll); err != nil {
		monitor.Close()
		sock.Close()
		return nil, err
	}
	if err := monitor.Connect(monitorAddr); err != nil {
		monitor.Close()
		sock.Close()
		return nil, fmt.Errorf("connect bus monitor: %w", err)
	}

	if err := sock.Connect(endpoint); err != nil {
		monitor.Close()
		sock.Close()
		return nil, fmt.Errorf("connect bus %s: %w", endpoint, err)
	}

	if err := awaitConnected(ctx, monitor, opts.ConnectTimeout); err != nil {
		monitor.Close()
		sock.Close()
		return nil, fmt.Errorf("%s: %w", endpoint, err)
	}
	log.Printf("telemetry connected to %s", endpoint)

	b := &ZMQBus{endpoint: endpoint, sock: sock, stop: make(chan struct{})}
	b.connected.Store(true)
	b.wg.Add(1)
	go b.watch(monitor)
	return b, nil
}

func configure(sock *zmq4.Socket, opts Options) error {
	if opts.ReconnectIvl > 0 {
		if err := sock.SetReconnectIvl(opts.ReconnectIvl); err != nil {
			return err
		}
	}
	if opts.ReconnectIvlMax > 0 {
		if err := sock.SetReconnectIvlMax(opts.ReconnectIvlMax); err != nil {
			return err
		}
	}
	if opts.SendHWM > 0 {
		if err := sock.SetSndhwm(opts.SendHWM); err != nil {
			return err
		}
	}
	return sock.SetLinger(0)
}

func awaitConnected(ctx context.Context, monitor *zmq4.Socket, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		event, _, _, err := monitor.RecvEvent(0)
		if err != nil {
			if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
				continue
			}
			return err
		}
		if event == zmq4.EVENT_CONNECTED {
			return nil
		}
	}
	return ErrConnectTimeout
}

func (b *ZMQBus) watch(monitor *zmq4.Socket) {
	defer b.wg.Done()
	defer monitor.Close()
	for {
		select {
		case <-b.stop:
			return
		default:
		}
		event, addr, _, err := monitor.RecvEvent(0)
		if err != nil {
			if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
				continue
			}
			return
		}
		switch event {
		case zmq4.EVENT_CONNECTED:
			if !b.connected.Swap(true) {
				log.Printf("telemetry reconnected to %s", addr)
			}
		case zmq4.EVENT_DISCONNECTED:
			if b.connected.Swap(false) {
				log.Printf("telemetry disconnected from %s, retrying", addr)
			}
		case zmq4.EVENT_MONITOR_STOPPED:
			return
		}
	}
}

func (b *ZMQBus) Connected() bool {
	return b.connected.Load()
}

// Publish sends one value. While the bus is disconnected the value is
// dropped and ErrDisconnected returned.
func (b *ZMQBus) Publish(ctx context.Context, topic string, value any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := cbor.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic, err)
	}
	if !b.connected.Load() {
		return ErrDisconnected
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	if _, err := b.sock.SendMessageDontwait(topic, payload); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (b *ZMQBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.stop)
	err := b.sock.Close()
	b.mu.Unlock()
	b.wg.Wait()
	return err
}
