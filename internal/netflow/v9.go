package netflow

import (
	"encoding/binary"
	"time"

	"github.com/rawblock/clarion/internal/metrics"
	"github.com/rawblock/clarion/pkg/models"
)

// NetFlow v9 (RFC 3954) and IPFIX (RFC 7011) share the template machinery;
// they differ in header layout, set numbering, and enterprise-bit support.

const (
	v9HeaderLen    = 20
	ipfixHeaderLen = 16

	v9TemplateSetID      = 0
	v9OptionsSetID       = 1
	ipfixTemplateSetID   = 2
	ipfixOptionsSetID    = 3
	minDataSetID         = 256
)

func (d *Decoder) decodeV9(exporter string, pkt []byte, now time.Time) ([]models.FlowRecord, error) {
	if len(pkt) < v9HeaderLen {
		d.stats.ShortPacket.Add(1)
		metrics.DecoderErrors.WithLabelValues("short_packet").Inc()
		return nil, ErrShortPacket
	}
	sysUptime := binary.BigEndian.Uint32(pkt[4:8])
	exportTime := time.Unix(int64(binary.BigEndian.Uint32(pkt[8:12])), 0).UTC()
	sourceID := binary.BigEndian.Uint32(pkt[16:20])
	scope := exporterScope{Exporter: exporter, SourceID: sourceID}

	return d.walkSets(pkt[v9HeaderLen:], scope, exportTime, sysUptime, now, false)
}

func (d *Decoder) decodeIPFIX(exporter string, pkt []byte, now time.Time) ([]models.FlowRecord, error) {
	if len(pkt) < ipfixHeaderLen {
		d.stats.ShortPacket.Add(1)
		metrics.DecoderErrors.WithLabelValues("short_packet").Inc()
		return nil, ErrShortPacket
	}
	totalLen := int(binary.BigEndian.Uint16(pkt[2:4]))
	if totalLen > len(pkt) {
		d.stats.ShortPacket.Add(1)
		metrics.DecoderErrors.WithLabelValues("short_packet").Inc()
		return nil, ErrShortPacket
	}
	exportTime := time.Unix(int64(binary.BigEndian.Uint32(pkt[4:8])), 0).UTC()
	domain := binary.BigEndian.Uint32(pkt[12:16])
	scope := exporterScope{Exporter: exporter, SourceID: domain}

	return d.walkSets(pkt[ipfixHeaderLen:totalLen], scope, exportTime, 0, now, true)
}

// walkSets iterates the flowsets/sets of one packet. Template sets update
// the cache and replay any buffered data records; data sets decode against
// the cache or land in the pending buffer.
func (d *Decoder) walkSets(body []byte, scope exporterScope, exportTime time.Time, sysUptime uint32, now time.Time, ipfix bool) ([]models.FlowRecord, error) {
	var out []models.FlowRecord
	templateSet, optionsSet := uint16(v9TemplateSetID), uint16(v9OptionsSetID)
	if ipfix {
		templateSet, optionsSet = ipfixTemplateSetID, ipfixOptionsSetID
	}

	for len(body) >= 4 {
		setID := binary.BigEndian.Uint16(body[0:2])
		setLen := int(binary.BigEndian.Uint16(body[2:4]))
		if setLen < 4 || setLen > len(body) {
			d.stats.MalformedRecord.Add(1)
			metrics.DecoderErrors.WithLabelValues("malformed_record").Inc()
			break
		}
		content := body[4:setLen]
		body = body[setLen:]

		switch {
		case setID == templateSet:
			for _, t := range parseTemplates(content, ipfix) {
				d.templates.put(scope, t)
				d.stats.TemplatesLearned.Add(1)
				out = append(out, d.replayPending(scope, t, now)...)
			}
		case setID == optionsSet:
			// options templates describe exporter metadata, not flows; skip
		case setID >= minDataSetID:
			out = append(out, d.decodeDataSet(scope, setID, content, exportTime, sysUptime, now, ipfix)...)
		default:
			d.stats.MalformedRecord.Add(1)
			metrics.DecoderErrors.WithLabelValues("malformed_record").Inc()
		}
	}
	return out, nil
}

// parseTemplates parses the template records of one template set.
func parseTemplates(b []byte, ipfix bool) []*Template {
	var out []*Template
	for len(b) >= 4 {
		id := binary.BigEndian.Uint16(b[0:2])
		fieldCount := int(binary.BigEndian.Uint16(b[2:4]))
		b = b[4:]
		if id < minDataSetID || fieldCount == 0 {
			break
		}
		t := &Template{ID: id, Fields: make([]TemplateField, 0, fieldCount)}
		ok := true
		for i := 0; i < fieldCount; i++ {
			if len(b) < 4 {
				ok = false
				break
			}
			typ := binary.BigEndian.Uint16(b[0:2])
			length := binary.BigEndian.Uint16(b[2:4])
			b = b[4:]
			fd := TemplateField{Type: typ, Length: length}
			if ipfix && typ&0x8000 != 0 {
				if len(b) < 4 {
					ok = false
					break
				}
				fd.Type = typ & 0x7fff
				fd.Enterprise = binary.BigEndian.Uint32(b[0:4])
				b = b[4:]
			}
			t.Fields = append(t.Fields, fd)
		}
		if !ok || t.recordLen() == 0 {
			break
		}
		out = append(out, t)
	}
	return out
}

// decodeDataSet decodes data records against a cached template, or buffers
// them when the template has not arrived yet.
func (d *Decoder) decodeDataSet(scope exporterScope, templateID uint16, content []byte, exportTime time.Time, sysUptime uint32, now time.Time, ipfix bool) []models.FlowRecord {
	t, ok := d.templates.get(scope, templateID)
	if !ok {
		d.stats.UnknownTemplate.Add(1)
		metrics.DecoderErrors.WithLabelValues("unknown_template").Inc()
		d.pending.add(scope, pendingRecord{
			templateID: templateID,
			data:       append([]byte{}, content...),
			arrived:    now,
			exportTime: exportTime,
			sysUptime:  sysUptime,
		})
		return nil
	}
	return d.decodeRecords(t, content, scope.Exporter, exportTime, sysUptime, now, ipfix)
}

// decodeRecords slices a data set into fixed-length records per template.
func (d *Decoder) decodeRecords(t *Template, content []byte, exporter string, exportTime time.Time, sysUptime uint32, now time.Time, ipfix bool) []models.FlowRecord {
	recLen := t.recordLen()
	var out []models.FlowRecord
	for len(content) >= recLen && recLen > 0 {
		rec := content[:recLen]
		content = content[recLen:]
		f, ok := extractRecord(t, rec, exporter, exportTime, sysUptime)
		if !ok {
			d.stats.MalformedRecord.Add(1)
			metrics.DecoderErrors.WithLabelValues("malformed_record").Inc()
			continue
		}
		if !d.withinSkew(f.End, now) {
			continue
		}
		out = append(out, f)
		if ipfix {
			d.stats.DecodedIPFIX.Add(1)
			metrics.FlowsDecoded.WithLabelValues("ipfix").Inc()
		} else {
			d.stats.DecodedV9.Add(1)
			metrics.FlowsDecoded.WithLabelValues("v9").Inc()
		}
	}
	return out
}

// replayPending decodes buffered data records unlocked by a just-learned
// template. The buffered bytes carry their own export-time anchor.
func (d *Decoder) replayPending(scope exporterScope, t *Template, now time.Time) []models.FlowRecord {
	var out []models.FlowRecord
	for _, rec := range d.pending.take(scope, t.ID, now) {
		// ipfix flag only affects version counters; infer from uptime anchor
		ipfix := rec.sysUptime == 0
		out = append(out, d.decodeRecords(t, rec.data, scope.Exporter, rec.exportTime, rec.sysUptime, now, ipfix)...)
	}
	return out
}
