package netflow

import (
	"context"
	"fmt"
	"log"
	"net"
	"syscall"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sys/unix"

	"github.com/rawblock/clarion/internal/metrics"
	"github.com/rawblock/clarion/pkg/models"
)

// Handler receives one decoded flow for one endpoint side. outbound is true
// when the endpoint in question is the flow's source.
type Handler func(f *models.FlowRecord, outbound bool)

// shardItem is one endpoint-side update in flight.
type shardItem struct {
	flow     models.FlowRecord
	outbound bool
}

// Intake owns the UDP receive loops and the sharded sketch-update workers.
// Each decoded flow is dispatched twice (source side, destination side);
// sharding by endpoint address guarantees that a single endpoint's sketch
// is only ever updated by one worker, preserving per-endpoint order.
type Intake struct {
	decoder *Decoder
	handler Handler
	shards  []chan shardItem
}

// NewIntake builds an intake with the given shard count and bounded queue
// length per shard. Overflow drops the oldest queued item and counts it;
// sketches are probabilistic, so correctness survives loss.
func NewIntake(decoder *Decoder, handler Handler, shardCount, queueLen int) *Intake {
	if shardCount < 1 {
		shardCount = 1
	}
	if queueLen < 1 {
		queueLen = 1024
	}
	in := &Intake{decoder: decoder, handler: handler}
	in.shards = make([]chan shardItem, shardCount)
	for i := range in.shards {
		in.shards[i] = make(chan shardItem, queueLen)
	}
	return in
}

// Run starts the shard workers and one receive loop per configured port,
// then blocks until ctx is cancelled.
func (in *Intake) Run(ctx context.Context, ports []int) error {
	for i := range in.shards {
		go in.worker(ctx, in.shards[i])
	}

	conns := make([]net.PacketConn, 0, len(ports))
	for _, port := range ports {
		conn, err := listenReuse(ctx, port)
		if err != nil {
			for _, c := range conns {
				c.Close()
			}
			return fmt.Errorf("listen udp :%d: %w", port, err)
		}
		conns = append(conns, conn)
		log.Printf("[Intake] Flow listener on udp :%d", port)
		go in.receive(ctx, conn)
	}

	<-ctx.Done()
	for _, c := range conns {
		c.Close()
	}
	return nil
}

// listenReuse opens a UDP socket with SO_REUSEPORT so multiple workers
// (or processes) can share one ingest port.
func listenReuse(ctx context.Context, port int) (net.PacketConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if err != nil {
				return err
			}
			return serr
		},
	}
	return lc.ListenPacket(ctx, "udp", fmt.Sprintf(":%d", port))
}

// receive reads datagrams, decodes them, and dispatches both endpoint sides.
func (in *Intake) receive(ctx context.Context, conn net.PacketConn) {
	buf := make([]byte, 65535)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			return
		}
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			metrics.LogLimited("read", conn.LocalAddr().String(), "[Intake] Read error: %v", err)
			continue
		}

		exporter := addr.String()
		if host, _, splitErr := net.SplitHostPort(exporter); splitErr == nil {
			exporter = host
		}

		records, err := in.decoder.Decode(exporter, buf[:n], time.Now())
		if err != nil {
			metrics.LogLimited("decode", exporter, "[Intake] Decode error from %s: %v", exporter, err)
			continue
		}
		for i := range records {
			in.dispatch(records[i], true)
			in.dispatch(records[i], false)
		}
	}
}

// dispatch routes one endpoint-side update to its shard. A full shard
// drops its oldest queued item first.
func (in *Intake) dispatch(f models.FlowRecord, outbound bool) {
	key := f.SrcAddr
	if !outbound {
		key = f.DstAddr
	}
	shard := in.shards[xxhash.Sum64String(key)%uint64(len(in.shards))]

	item := shardItem{flow: f, outbound: outbound}
	select {
	case shard <- item:
	default:
		select {
		case <-shard: // shed the oldest
			metrics.QueueDrops.Inc()
		default:
		}
		select {
		case shard <- item:
		default:
			metrics.QueueDrops.Inc()
		}
	}
}

func (in *Intake) worker(ctx context.Context, ch chan shardItem) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-ch:
			in.handler(&item.flow, item.outbound)
		}
	}
}
