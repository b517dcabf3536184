package netflow

import (
	"net"
	"time"

	"github.com/rawblock/clarion/pkg/models"
)

// Standard information element IDs shared by NetFlow v9 and IPFIX.
const (
	fieldInBytes    = 1
	fieldInPkts     = 2
	fieldProtocol   = 4
	fieldSrcPort    = 7
	fieldSrcAddr4   = 8
	fieldDstPort    = 11
	fieldDstAddr4   = 12
	fieldLastSwitch = 21 // sysuptime ms (v9)
	fieldFirstSwit  = 22
	fieldSrcAddr6   = 27
	fieldDstAddr6   = 28
	fieldStartSec   = 150 // absolute seconds (IPFIX)
	fieldEndSec     = 151
	fieldStartMs    = 152 // absolute milliseconds (IPFIX)
	fieldEndMs      = 153
)

// Enterprise-specific fields carrying Security Group Tags. Recognized by
// (enterprise id, field id); anything else enterprise-scoped is skipped.
// 9 is Cisco's PEN; 34000/34001 are the TrustSec CTS source/destination
// group tag elements exported by Flexible NetFlow.
type enterpriseField struct {
	Enterprise uint32
	Field      uint16
}

var (
	srcTagFields = map[enterpriseField]bool{
		{Enterprise: 9, Field: 34000}: true,
	}
	dstTagFields = map[enterpriseField]bool{
		{Enterprise: 9, Field: 34001}: true,
	}
)

// uintField reads a big-endian unsigned field of 1..8 bytes.
func uintField(b []byte) uint64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return v
}

// extractRecord maps one data record's bytes onto a FlowRecord using the
// template. exportTime anchors relative (v9) timestamps via sysUptime;
// IPFIX absolute stamps are used directly. Returns false when the record
// is unusable (missing addresses).
func extractRecord(t *Template, data []byte, exporter string, exportTime time.Time, sysUptime uint32) (models.FlowRecord, bool) {
	f := models.FlowRecord{Exporter: exporter}
	var firstSw, lastSw uint32
	var haveAbs bool

	off := 0
	for _, fd := range t.Fields {
		if off+int(fd.Length) > len(data) {
			return f, false
		}
		val := data[off : off+int(fd.Length)]
		off += int(fd.Length)

		if fd.Enterprise != 0 {
			key := enterpriseField{Enterprise: fd.Enterprise, Field: fd.Type}
			switch {
			case srcTagFields[key]:
				tag := uint16(uintField(val))
				f.SrcTag = &tag
			case dstTagFields[key]:
				tag := uint16(uintField(val))
				f.DstTag = &tag
			}
			continue
		}

		switch fd.Type {
		case fieldInBytes:
			f.Bytes = uintField(val)
		case fieldInPkts:
			f.Packets = uintField(val)
		case fieldProtocol:
			f.Protocol = uint8(uintField(val))
		case fieldSrcPort:
			f.SrcPort = uint16(uintField(val))
		case fieldDstPort:
			f.DstPort = uint16(uintField(val))
		case fieldSrcAddr4:
			if len(val) == 4 {
				f.SrcAddr = net.IP(val).String()
			}
		case fieldDstAddr4:
			if len(val) == 4 {
				f.DstAddr = net.IP(val).String()
			}
		case fieldSrcAddr6:
			if len(val) == 16 {
				f.SrcAddr = net.IP(val).String()
			}
		case fieldDstAddr6:
			if len(val) == 16 {
				f.DstAddr = net.IP(val).String()
			}
		case fieldFirstSwit:
			firstSw = uint32(uintField(val))
		case fieldLastSwitch:
			lastSw = uint32(uintField(val))
		case fieldStartSec:
			f.Start = time.Unix(int64(uintField(val)), 0).UTC()
			haveAbs = true
		case fieldEndSec:
			f.End = time.Unix(int64(uintField(val)), 0).UTC()
			haveAbs = true
		case fieldStartMs:
			f.Start = time.UnixMilli(int64(uintField(val))).UTC()
			haveAbs = true
		case fieldEndMs:
			f.End = time.UnixMilli(int64(uintField(val))).UTC()
			haveAbs = true
		}
	}

	if !haveAbs {
		if lastSw != 0 || firstSw != 0 {
			f.Start = uptimeToWall(exportTime, sysUptime, firstSw)
			f.End = uptimeToWall(exportTime, sysUptime, lastSw)
		} else {
			f.Start, f.End = exportTime, exportTime
		}
	}
	if f.Start.IsZero() {
		f.Start = f.End
	}
	if f.End.IsZero() {
		f.End = f.Start
	}
	if f.Start.After(f.End) {
		f.Start, f.End = f.End, f.Start
	}

	if f.SrcAddr == "" || f.DstAddr == "" {
		return f, false
	}
	return f, true
}
