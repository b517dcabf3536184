package netflow

import (
	"encoding/binary"
	"net"
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testDecoder() *Decoder {
	return NewDecoder(Config{
		TemplateTTL:      30 * time.Minute,
		TemplateCacheCap: 16,
		PendingCap:       8,
		MaxTimeSkew:      24 * time.Hour,
	})
}

// buildV5 assembles a v5 packet with the given (src, dst, dstPort) flows.
func buildV5(exportTime time.Time, flows [][3]interface{}) []byte {
	pkt := make([]byte, v5HeaderLen+len(flows)*v5RecordLen)
	binary.BigEndian.PutUint16(pkt[0:2], 5)
	binary.BigEndian.PutUint16(pkt[2:4], uint16(len(flows)))
	binary.BigEndian.PutUint32(pkt[4:8], 100000) // sysuptime ms
	binary.BigEndian.PutUint32(pkt[8:12], uint32(exportTime.Unix()))

	for i, fl := range flows {
		rec := pkt[v5HeaderLen+i*v5RecordLen:]
		copy(rec[0:4], net.ParseIP(fl[0].(string)).To4())
		copy(rec[4:8], net.ParseIP(fl[1].(string)).To4())
		binary.BigEndian.PutUint32(rec[16:20], 10)    // packets
		binary.BigEndian.PutUint32(rec[20:24], 4200)  // bytes
		binary.BigEndian.PutUint32(rec[24:28], 90000) // first (uptime ms)
		binary.BigEndian.PutUint32(rec[28:32], 95000) // last
		binary.BigEndian.PutUint16(rec[32:34], 49152)
		binary.BigEndian.PutUint16(rec[34:36], uint16(fl[2].(int)))
		rec[38] = 6 // tcp
	}
	return pkt
}

func TestDecodeV5(t *testing.T) {
	d := testDecoder()
	pkt := buildV5(testNow, [][3]interface{}{
		{"10.0.0.5", "10.0.0.80", 443},
		{"10.0.0.6", "10.0.0.80", 443},
	})

	records, err := d.Decode("192.0.2.1", pkt, testNow)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}

	f := records[0]
	if f.SrcAddr != "10.0.0.5" || f.DstAddr != "10.0.0.80" || f.DstPort != 443 {
		t.Errorf("unexpected record: %+v", f)
	}
	if f.Bytes != 4200 || f.Packets != 10 || f.Protocol != 6 {
		t.Errorf("unexpected counters: %+v", f)
	}
	if f.Start.After(f.End) {
		t.Errorf("start after end: %v > %v", f.Start, f.End)
	}
	// first switched at uptime 90s, export at uptime 100s: start = export-10s
	if want := testNow.Add(-10 * time.Second); !f.Start.Equal(want) {
		t.Errorf("start = %v, want %v", f.Start, want)
	}
}

func TestDecodeBadVersionAndShort(t *testing.T) {
	d := testDecoder()
	if _, err := d.Decode("192.0.2.1", []byte{0x00, 0x07, 0, 0}, testNow); err == nil {
		t.Errorf("expected bad-version error")
	}
	if _, err := d.Decode("192.0.2.1", []byte{0x00}, testNow); err == nil {
		t.Errorf("expected short-packet error")
	}
	if d.Stats().BadVersion.Load() != 1 || d.Stats().ShortPacket.Load() != 1 {
		t.Errorf("counters not incremented: %+v", d.Stats())
	}
}

// v9 test packet helpers

func v9Header(body []byte, sourceID uint32, exportTime time.Time) []byte {
	pkt := make([]byte, v9HeaderLen)
	binary.BigEndian.PutUint16(pkt[0:2], 9)
	binary.BigEndian.PutUint16(pkt[2:4], 1)
	binary.BigEndian.PutUint32(pkt[4:8], 100000)
	binary.BigEndian.PutUint32(pkt[8:12], uint32(exportTime.Unix()))
	binary.BigEndian.PutUint32(pkt[16:20], sourceID)
	return append(pkt, body...)
}

// v9TemplateSet defines template 300: srcIP, dstIP, srcPort, dstPort,
// proto, bytes, pkts.
func v9TemplateSet() []byte {
	fields := []struct{ typ, length uint16 }{
		{fieldSrcAddr4, 4}, {fieldDstAddr4, 4},
		{fieldSrcPort, 2}, {fieldDstPort, 2},
		{fieldProtocol, 1}, {fieldInBytes, 4}, {fieldInPkts, 4},
	}
	set := make([]byte, 4+4+len(fields)*4)
	binary.BigEndian.PutUint16(set[0:2], v9TemplateSetID)
	binary.BigEndian.PutUint16(set[2:4], uint16(len(set)))
	binary.BigEndian.PutUint16(set[4:6], 300)
	binary.BigEndian.PutUint16(set[6:8], uint16(len(fields)))
	for i, f := range fields {
		binary.BigEndian.PutUint16(set[8+i*4:], f.typ)
		binary.BigEndian.PutUint16(set[10+i*4:], f.length)
	}
	return set
}

func v9DataSet(src, dst string, dstPort uint16, bytes uint32) []byte {
	rec := make([]byte, 21)
	copy(rec[0:4], net.ParseIP(src).To4())
	copy(rec[4:8], net.ParseIP(dst).To4())
	binary.BigEndian.PutUint16(rec[8:10], 50000)
	binary.BigEndian.PutUint16(rec[10:12], dstPort)
	rec[12] = 6
	binary.BigEndian.PutUint32(rec[13:17], bytes)
	binary.BigEndian.PutUint32(rec[17:21], 7)

	set := make([]byte, 4, 4+len(rec))
	binary.BigEndian.PutUint16(set[0:2], 300)
	set = append(set, rec...)
	binary.BigEndian.PutUint16(set[2:4], uint16(len(set)))
	return set
}

func TestV9LateTemplateReplay(t *testing.T) {
	// Deliver in order: data D (template unseen), template T, data D'.
	// D must be buffered and replayed when T arrives; the unknown-template
	// counter must read exactly 1 at the end.
	d := testDecoder()

	recs, err := d.Decode("192.0.2.9", v9Header(v9DataSet("10.0.0.5", "10.0.0.80", 443, 1000), 7, testNow), testNow)
	if err != nil {
		t.Fatalf("data-before-template decode errored: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected record to be buffered, got %d records", len(recs))
	}

	recs, err = d.Decode("192.0.2.9", v9Header(v9TemplateSet(), 7, testNow), testNow)
	if err != nil {
		t.Fatalf("template decode errored: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 replayed record on template arrival, got %d", len(recs))
	}
	if recs[0].SrcAddr != "10.0.0.5" || recs[0].DstPort != 443 || recs[0].Bytes != 1000 {
		t.Errorf("replayed record wrong: %+v", recs[0])
	}

	recs, err = d.Decode("192.0.2.9", v9Header(v9DataSet("10.0.0.6", "10.0.0.80", 8443, 2000), 7, testNow), testNow)
	if err != nil {
		t.Fatalf("post-template decode errored: %v", err)
	}
	if len(recs) != 1 || recs[0].SrcAddr != "10.0.0.6" {
		t.Fatalf("expected D' to decode immediately, got %+v", recs)
	}

	if got := d.Stats().UnknownTemplate.Load(); got != 1 {
		t.Errorf("UnknownTemplate counter = %d, want 1", got)
	}
}

func TestV9SourceIDScopesTemplates(t *testing.T) {
	// A template learned under source id 7 must not decode data from
	// source id 8 (an exporter restart starts a fresh cache).
	d := testDecoder()
	if _, err := d.Decode("192.0.2.9", v9Header(v9TemplateSet(), 7, testNow), testNow); err != nil {
		t.Fatalf("template decode errored: %v", err)
	}

	recs, err := d.Decode("192.0.2.9", v9Header(v9DataSet("10.0.0.5", "10.0.0.80", 443, 1000), 8, testNow), testNow)
	if err != nil {
		t.Fatalf("decode errored: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("expected buffering under fresh source id, got %d records", len(recs))
	}
	if d.Stats().UnknownTemplate.Load() != 1 {
		t.Errorf("expected one unknown-template event")
	}
}

func TestPendingBufferBounded(t *testing.T) {
	d := testDecoder() // pending cap 8
	for i := 0; i < 12; i++ {
		_, _ = d.Decode("192.0.2.9", v9Header(v9DataSet("10.0.0.5", "10.0.0.80", 443, 1000), 7, testNow), testNow)
	}

	recs, err := d.Decode("192.0.2.9", v9Header(v9TemplateSet(), 7, testNow), testNow)
	if err != nil {
		t.Fatalf("template decode errored: %v", err)
	}
	if len(recs) != 8 {
		t.Errorf("expected 8 replayed records after overflow, got %d", len(recs))
	}
	if got := d.Stats().MalformedRecord.Load(); got != 4 {
		t.Errorf("expected 4 buffered records counted dropped, got %d", got)
	}
}

func TestTimeSkewDiscard(t *testing.T) {
	d := testDecoder()
	stale := testNow.Add(-48 * time.Hour)
	pkt := buildV5(stale, [][3]interface{}{{"10.0.0.5", "10.0.0.80", 443}})

	records, err := d.Decode("192.0.2.1", pkt, testNow)
	if err != nil {
		t.Fatalf("decode errored: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected stale record discarded, got %d", len(records))
	}
	if d.Stats().TimeSkew.Load() != 1 {
		t.Errorf("TimeSkew counter = %d, want 1", d.Stats().TimeSkew.Load())
	}
}

func TestIPFIXEnterpriseTags(t *testing.T) {
	// IPFIX template with the Cisco CTS source/destination group tags; the
	// decoded record must surface both optional tags.
	fields := []byte{}
	add16 := func(v uint16) { fields = binary.BigEndian.AppendUint16(fields, v) }
	add32 := func(v uint32) { fields = binary.BigEndian.AppendUint32(fields, v) }

	add16(fieldSrcAddr4)
	add16(4)
	add16(fieldDstAddr4)
	add16(4)
	add16(fieldDstPort)
	add16(2)
	add16(fieldProtocol)
	add16(1)
	add16(34000 | 0x8000) // enterprise bit
	add16(2)
	add32(9)
	add16(34001 | 0x8000)
	add16(2)
	add32(9)

	tmpl := make([]byte, 8)
	binary.BigEndian.PutUint16(tmpl[0:2], ipfixTemplateSetID)
	binary.BigEndian.PutUint16(tmpl[4:6], 400)
	binary.BigEndian.PutUint16(tmpl[6:8], 6)
	tmpl = append(tmpl, fields...)
	binary.BigEndian.PutUint16(tmpl[2:4], uint16(len(tmpl)))

	rec := make([]byte, 0, 15)
	rec = append(rec, net.ParseIP("10.0.0.5").To4()...)
	rec = append(rec, net.ParseIP("10.0.0.80").To4()...)
	rec = binary.BigEndian.AppendUint16(rec, 443)
	rec = append(rec, 6)
	rec = binary.BigEndian.AppendUint16(rec, 10) // src SGT
	rec = binary.BigEndian.AppendUint16(rec, 20) // dst SGT

	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:2], 400)
	data = append(data, rec...)
	binary.BigEndian.PutUint16(data[2:4], uint16(len(data)))

	body := append(tmpl, data...)
	pkt := make([]byte, ipfixHeaderLen)
	binary.BigEndian.PutUint16(pkt[0:2], 10)
	binary.BigEndian.PutUint32(pkt[4:8], uint32(testNow.Unix()))
	binary.BigEndian.PutUint32(pkt[12:16], 42)
	pkt = append(pkt, body...)
	binary.BigEndian.PutUint16(pkt[2:4], uint16(len(pkt)))

	d := testDecoder()
	records, err := d.Decode("192.0.2.50", pkt, testNow)
	if err != nil {
		t.Fatalf("decode errored: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	f := records[0]
	if f.SrcTag == nil || *f.SrcTag != 10 {
		t.Errorf("srcTag = %v, want 10", f.SrcTag)
	}
	if f.DstTag == nil || *f.DstTag != 20 {
		t.Errorf("dstTag = %v, want 20", f.DstTag)
	}
}
