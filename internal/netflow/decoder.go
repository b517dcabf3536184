package netflow

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rawblock/clarion/internal/metrics"
	"github.com/rawblock/clarion/pkg/models"
)

// NetFlow / IPFIX decoder
//
// Decodes NetFlow v5 (fixed layout), NetFlow v9 and IPFIX (template-based)
// from the same ingest path. Templates are cached per (exporter address,
// source id, template id); data records that precede their template are
// held in a bounded per-exporter buffer and replayed on template arrival.
//
// Wire layouts follow RFC 3954 (v9) and RFC 7011 (IPFIX); the v5 layout is
// the classic fixed 24-byte header + 48-byte records. No error here is
// fatal to the decoder: failures are counted and the packet or record is
// dropped.

// Decode error kinds.
var (
	ErrShortPacket     = errors.New("netflow: packet too short")
	ErrBadVersion      = errors.New("netflow: unsupported version")
	ErrTemplateMissing = errors.New("netflow: data before template")
	ErrMalformedRecord = errors.New("netflow: malformed record")
	ErrTimeSkew        = errors.New("netflow: record timestamp outside skew bound")
)

// Stats are the decoder's own counters, mirrored to prometheus. Tests and
// the health endpoint read them directly.
type Stats struct {
	DecodedV5        atomic.Uint64
	DecodedV9        atomic.Uint64
	DecodedIPFIX     atomic.Uint64
	ShortPacket      atomic.Uint64
	BadVersion       atomic.Uint64
	UnknownTemplate  atomic.Uint64
	MalformedRecord  atomic.Uint64
	TimeSkew         atomic.Uint64
	TemplatesLearned atomic.Uint64
}

// Config bounds the decoder's caches.
type Config struct {
	TemplateTTL      time.Duration
	TemplateCacheCap int
	PendingCap       int
	MaxTimeSkew      time.Duration
}

// Decoder is safe for use by one goroutine per call; the template cache and
// pending buffer are internally locked so multiple receive workers may
// share one Decoder.
type Decoder struct {
	cfg       Config
	templates *templateCache
	pending   *pendingBuffer
	stats     Stats
}

// NewDecoder creates a decoder with the given bounds.
func NewDecoder(cfg Config) *Decoder {
	if cfg.MaxTimeSkew <= 0 {
		cfg.MaxTimeSkew = 24 * time.Hour
	}
	if cfg.TemplateTTL <= 0 {
		cfg.TemplateTTL = 30 * time.Minute
	}
	d := &Decoder{cfg: cfg}
	d.templates = newTemplateCache(cfg.TemplateTTL, cfg.TemplateCacheCap)
	d.pending = newPendingBuffer(cfg.PendingCap, cfg.TemplateTTL, func(n int) {
		d.stats.MalformedRecord.Add(uint64(n))
		for i := 0; i < n; i++ {
			metrics.TemplateBufferDrops.Inc()
		}
	})
	return d
}

// Stats exposes the counter block.
func (d *Decoder) Stats() *Stats { return &d.stats }

// Decode parses one datagram from exporter and returns the flow records it
// yields, including any previously buffered records unlocked by templates
// in this packet. Packet-level failures return an error; record-level
// failures are counted and skipped.
func (d *Decoder) Decode(exporter string, pkt []byte, now time.Time) ([]models.FlowRecord, error) {
	if len(pkt) < 2 {
		d.stats.ShortPacket.Add(1)
		metrics.DecoderErrors.WithLabelValues("short_packet").Inc()
		return nil, ErrShortPacket
	}
	version := binary.BigEndian.Uint16(pkt)
	switch version {
	case 5:
		return d.decodeV5(exporter, pkt, now)
	case 9:
		return d.decodeV9(exporter, pkt, now)
	case 10:
		return d.decodeIPFIX(exporter, pkt, now)
	default:
		d.stats.BadVersion.Add(1)
		metrics.DecoderErrors.WithLabelValues("bad_version").Inc()
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, version)
	}
}

const (
	v5HeaderLen = 24
	v5RecordLen = 48
	v5MaxCount  = 30
)

// decodeV5 parses the fixed v5 layout.
func (d *Decoder) decodeV5(exporter string, pkt []byte, now time.Time) ([]models.FlowRecord, error) {
	if len(pkt) < v5HeaderLen {
		d.stats.ShortPacket.Add(1)
		metrics.DecoderErrors.WithLabelValues("short_packet").Inc()
		return nil, ErrShortPacket
	}
	count := int(binary.BigEndian.Uint16(pkt[2:4]))
	if count == 0 || count > v5MaxCount || len(pkt) < v5HeaderLen+count*v5RecordLen {
		d.stats.ShortPacket.Add(1)
		metrics.DecoderErrors.WithLabelValues("short_packet").Inc()
		return nil, ErrShortPacket
	}
	sysUptime := binary.BigEndian.Uint32(pkt[4:8])
	unixSecs := binary.BigEndian.Uint32(pkt[8:12])
	exportTime := time.Unix(int64(unixSecs), 0).UTC()

	out := make([]models.FlowRecord, 0, count)
	for i := 0; i < count; i++ {
		rec := pkt[v5HeaderLen+i*v5RecordLen:]
		first := binary.BigEndian.Uint32(rec[24:28]) // sysuptime ms at flow start
		last := binary.BigEndian.Uint32(rec[28:32])

		f := models.FlowRecord{
			SrcAddr:  net.IP(rec[0:4]).String(),
			DstAddr:  net.IP(rec[4:8]).String(),
			Packets:  uint64(binary.BigEndian.Uint32(rec[16:20])),
			Bytes:    uint64(binary.BigEndian.Uint32(rec[20:24])),
			SrcPort:  binary.BigEndian.Uint16(rec[32:34]),
			DstPort:  binary.BigEndian.Uint16(rec[34:36]),
			Protocol: rec[38],
			Start:    uptimeToWall(exportTime, sysUptime, first),
			End:      uptimeToWall(exportTime, sysUptime, last),
			Exporter: exporter,
		}
		if f.Start.After(f.End) {
			f.Start, f.End = f.End, f.Start // uptime wrap
		}
		if !d.withinSkew(f.End, now) {
			continue
		}
		out = append(out, f)
		d.stats.DecodedV5.Add(1)
		metrics.FlowsDecoded.WithLabelValues("v5").Inc()
	}
	return out, nil
}

// uptimeToWall converts a sysuptime-relative millisecond stamp into wall
// time, anchored at the packet's export time.
func uptimeToWall(exportTime time.Time, sysUptime, stamp uint32) time.Time {
	deltaMs := int64(sysUptime) - int64(stamp)
	return exportTime.Add(-time.Duration(deltaMs) * time.Millisecond)
}

// withinSkew discards records outside the +-24h wall-clock bound.
func (d *Decoder) withinSkew(ts time.Time, now time.Time) bool {
	diff := now.Sub(ts)
	if diff < 0 {
		diff = -diff
	}
	if diff > d.cfg.MaxTimeSkew {
		d.stats.TimeSkew.Add(1)
		metrics.DecoderErrors.WithLabelValues("time_skew").Inc()
		return false
	}
	return true
}
