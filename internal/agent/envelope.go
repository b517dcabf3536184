// Package agent implements the edge-agent replication protocol: agents
// pre-aggregate sketches next to their exporters and ship sequenced
// partials, so only fixed-size summaries cross the WAN.
package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rawblock/clarion/internal/sketch"
	"github.com/rawblock/clarion/internal/store"
)

// Envelope errors.
var (
	ErrBadEnvelope = errors.New("agent: malformed envelope")
	ErrTooLarge    = errors.New("agent: envelope exceeds size cap")
)

// maxEnvelopeBytes caps one serialized envelope. A sketch at the default
// shape is ~90 KiB serialized; anything past 1 MiB is garbage or abuse.
const maxEnvelopeBytes = 1 << 20

// Envelope is one partial-sketch delivery from an edge agent. Sequence
// numbers advance per (agent, endpoint); replays and reordering below the
// high-water mark are dropped as duplicates.
type Envelope struct {
	Agent       string         `json:"agent"`
	Exporter    string         `json:"exporter"`
	Sequence    uint64         `json:"sequence"`
	WindowStart time.Time      `json:"t0"`
	WindowEnd   time.Time      `json:"t1"`
	Endpoint    string         `json:"endpoint"` // agent-scoped endpoint key
	Sketch      *sketch.Sketch `json:"sketch"`
}

// Validate checks structural integrity and shape agreement. Shape
// mismatches surface as sketch.ErrInvalidShape so callers count them with
// the merge-path rejections.
func (e *Envelope) Validate(shape sketch.Shape) error {
	switch {
	case e.Agent == "":
		return fmt.Errorf("%w: missing agent", ErrBadEnvelope)
	case e.Endpoint == "":
		return fmt.Errorf("%w: missing endpoint", ErrBadEnvelope)
	case e.Sketch == nil:
		return fmt.Errorf("%w: missing sketch", ErrBadEnvelope)
	case e.WindowEnd.Before(e.WindowStart):
		return fmt.Errorf("%w: window ends before it starts", ErrBadEnvelope)
	}

	sk := e.Sketch
	if sk.Peers == nil || sk.Ports == nil || sk.PortFreq == nil || sk.PeerFreq == nil || sk.TopPeers == nil {
		return fmt.Errorf("%w: incomplete sketch", ErrBadEnvelope)
	}
	if sk.Peers.Precision != shape.HLLPrecision || sk.Ports.Precision != shape.HLLPrecision {
		return sketch.ErrInvalidShape
	}
	if sk.PortFreq.Width != shape.CMSWidth || sk.PortFreq.Depth != shape.CMSDepth ||
		sk.PeerFreq.Width != shape.CMSWidth || sk.PeerFreq.Depth != shape.CMSDepth {
		return sketch.ErrInvalidShape
	}
	return nil
}

// Decode reads one envelope from r, enforcing the size cap.
func Decode(r io.Reader) (*Envelope, error) {
	lr := io.LimitReader(r, maxEnvelopeBytes+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if len(data) > maxEnvelopeBytes {
		return nil, ErrTooLarge
	}
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	return &e, nil
}

// IngestResult tallies one batch of envelopes.
type IngestResult struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
}

// Ingestor folds envelopes into the sketch store.
type Ingestor struct {
	store *store.Store
}

// NewIngestor wires the envelope path to a store.
func NewIngestor(st *store.Store) *Ingestor {
	return &Ingestor{store: st}
}

// Ingest applies a batch. Duplicates are acknowledged, not errored, so a
// retrying agent converges; rejected envelopes carry the first error back.
func (in *Ingestor) Ingest(envs []Envelope) (IngestResult, error) {
	var res IngestResult
	var firstErr error
	shape := in.store.Shape()

	for i := range envs {
		e := &envs[i]
		if err := e.Validate(shape); err != nil {
			res.Rejected++
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		applied, err := in.store.MergePartial(e.Agent, e.Endpoint, e.Sequence, e.Sketch)
		switch {
		case err != nil:
			res.Rejected++
			if firstErr == nil {
				firstErr = err
			}
		case applied:
			res.Accepted++
		default:
			res.Duplicates++
		}
	}
	return res, firstErr
}
