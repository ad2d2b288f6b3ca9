package telemetry

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pebbe/zmq4"
)

// Gate is the vision enable switch. The zero value is disabled; use
// NewGate for the default enabled state.
type Gate struct {
	enabled atomic.Bool
}

func NewGate() *Gate {
	g := &Gate{}
	g.enabled.Store(true)
	return g
}

func (g *Gate) Enabled() bool {
	return g.enabled.Load()
}

func (g *Gate) Set(v bool) {
	if g.enabled.Swap(v) != v {
		log.Printf("vision enabled=%v", v)
	}
}

// ApplyEnable decodes a Vision/Enable payload and updates the gate.
func (g *Gate) ApplyEnable(payload []byte) error {
	var v bool
	if err := cbor.Unmarshal(payload, &v); err != nil {
		return fmt.Errorf("decode %s: %w", TopicEnable, err)
	}
	g.Set(v)
	return nil
}

// SubscribeEnable follows the Vision/Enable topic published at endpoint
// until ctx is done.
func SubscribeEnable(ctx context.Context, endpoint string, gate *Gate) error {
	sock, err := zmq4.NewSocket(zmq4.SUB)
	if err != nil {
		return err
	}
	defer sock.Close()
	if err := sock.SetRcvtimeo(250 * time.Millisecond); err != nil {
		return err
	}
	if err := sock.SetLinger(0); err != nil {
		return err
	}
	if err := sock.SetSubscribe(TopicEnable); err != nil {
		return err
	}
	if err := sock.Connect(endpoint); err != nil {
		return fmt.Errorf("connect enable endpoint %s: %w", endpoint, err)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		parts, err := sock.RecvMessageBytes(0)
		if err != nil {
			if zmq4.AsErrno(err) == zmq4.Errno(syscall.EAGAIN) {
				continue
			}
			log.Printf("enable recv error: %v", err)
			continue
		}
		if len(parts) != 2 || string(parts[0]) != TopicEnable {
			continue
		}
		if err := gate.ApplyEnable(parts[1]); err != nil {
			log.Printf("enable: %v", err)
		}
	}
}
