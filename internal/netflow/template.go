package netflow

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// TemplateField is one field definition inside a v9/IPFIX template.
// Enterprise is non-zero only for IPFIX enterprise-specific fields.
type TemplateField struct {
	Type       uint16
	Length     uint16
	Enterprise uint32
}

// Template describes the layout of data records in one flowset.
type Template struct {
	ID     uint16
	Fields []TemplateField
}

// recordLen is the fixed byte length of one data record under t.
// Variable-length IPFIX fields (length 0xFFFF) are not supported by the
// fixed table we recognize, so every template has a fixed record length.
func (t *Template) recordLen() int {
	n := 0
	for _, f := range t.Fields {
		n += int(f.Length)
	}
	return n
}

// exporterScope identifies one template namespace: templates are cached per
// (exporter address, source id / observation domain). An exporter restart
// announces a new source id and therefore begins a fresh cache.
type exporterScope struct {
	Exporter string
	SourceID uint32
}

// templateCache holds per-exporter LRU caches of templates with a TTL.
// Templates survive short exporter gaps; stale ones age out.
type templateCache struct {
	mu     sync.Mutex
	ttl    time.Duration
	cap    int
	scopes map[exporterScope]*expirable.LRU[uint16, *Template]
}

func newTemplateCache(ttl time.Duration, capPerExporter int) *templateCache {
	if capPerExporter <= 0 {
		capPerExporter = 128
	}
	return &templateCache{
		ttl:    ttl,
		cap:    capPerExporter,
		scopes: make(map[exporterScope]*expirable.LRU[uint16, *Template]),
	}
}

func (c *templateCache) put(scope exporterScope, t *Template) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lru, ok := c.scopes[scope]
	if !ok {
		lru = expirable.NewLRU[uint16, *Template](c.cap, nil, c.ttl)
		c.scopes[scope] = lru
	}
	lru.Add(t.ID, t)
}

func (c *templateCache) get(scope exporterScope, id uint16) (*Template, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lru, ok := c.scopes[scope]
	if !ok {
		return nil, false
	}
	return lru.Get(id)
}

// pendingRecord is a raw data record buffered while its template is unknown.
type pendingRecord struct {
	templateID uint16
	data       []byte
	arrived    time.Time
	exportTime time.Time
	sysUptime  uint32 // v9 only; zero for IPFIX
}

// pendingBuffer holds data records that arrived before their template,
// bounded per exporter scope. Overflow drops the oldest; entries older than
// the TTL are dropped on the next touch.
type pendingBuffer struct {
	mu      sync.Mutex
	cap     int
	ttl     time.Duration
	byScope map[exporterScope][]pendingRecord
	dropped func(n int)
}

func newPendingBuffer(capPerExporter int, ttl time.Duration, dropped func(n int)) *pendingBuffer {
	if capPerExporter <= 0 {
		capPerExporter = 256
	}
	if dropped == nil {
		dropped = func(int) {}
	}
	return &pendingBuffer{
		cap:     capPerExporter,
		ttl:     ttl,
		byScope: make(map[exporterScope][]pendingRecord),
		dropped: dropped,
	}
}

func (b *pendingBuffer) add(scope exporterScope, rec pendingRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.expireLocked(scope, rec.arrived)
	if len(q) >= b.cap {
		q = q[1:]
		b.dropped(1)
	}
	b.byScope[scope] = append(q, rec)
}

// take removes and returns all buffered records for (scope, templateID).
func (b *pendingBuffer) take(scope exporterScope, templateID uint16, now time.Time) []pendingRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.expireLocked(scope, now)
	var ready, rest []pendingRecord
	for _, rec := range q {
		if rec.templateID == templateID {
			ready = append(ready, rec)
		} else {
			rest = append(rest, rec)
		}
	}
	if len(rest) == 0 {
		delete(b.byScope, scope)
	} else {
		b.byScope[scope] = rest
	}
	return ready
}

func (b *pendingBuffer) expireLocked(scope exporterScope, now time.Time) []pendingRecord {
	q := b.byScope[scope]
	cut := 0
	for cut < len(q) && now.Sub(q[cut].arrived) > b.ttl {
		cut++
	}
	if cut > 0 {
		b.dropped(cut)
		q = q[cut:]
	}
	return q
}
