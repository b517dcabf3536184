package sketch

import (
	"encoding/binary"
	"math"
)

// Feature extraction
//
// Projects a sketch onto a fixed-length, numerically normalized vector for
// distance-based clustering. The projection is deterministic: the same
// sketch always yields a byte-identical vector under the same
// configuration. Every component lands in [0,1]; ratios with an empty
// denominator map to the documented sentinel 0.5 (a neutral midpoint, never
// NaN), pure shares map to 0.

// FeatureDim is the dimensionality of the extracted vector.
const FeatureDim = 18

// Feature indices, in vector order.
const (
	FeatLogPeers = iota
	FeatLogPorts
	FeatByteRatio
	FeatPortEntropy
	FeatWellKnownFrac
	FeatEphemeralFrac
	FeatHourConcentration
	FeatServicesPerPeer
	FeatDirectionality
	FeatLogBytesPerFlow
	FeatAvgPacketSize
	FeatTopPeerShare
	FeatTopPortShare
	FeatNightFrac
	FeatBusinessFrac
	FeatTCPShare
	FeatUDPShare
	FeatLogFlows
)

// ratioSentinel is the value emitted for undefined ratios.
const ratioSentinel = 0.5

// Features projects s onto its feature vector.
func Features(s *Sketch) []float64 {
	v := make([]float64, FeatureDim)

	peers := s.Peers.Cardinality()
	ports := s.Ports.Cardinality()
	flows := float64(s.Flows())
	bytesIn := float64(s.Counters.BytesIn)
	bytesOut := float64(s.Counters.BytesOut)
	pkts := float64(s.Counters.PktsIn + s.Counters.PktsOut)
	totalBytes := bytesIn + bytesOut

	// log-scaled cardinalities, normalized against the 16-bit/IPv4 ranges
	v[FeatLogPeers] = clamp01(math.Log1p(peers) / math.Log(1<<20))
	v[FeatLogPorts] = clamp01(math.Log1p(ports) / math.Log(1<<16))

	if totalBytes > 0 {
		v[FeatByteRatio] = bytesIn / totalBytes
	} else {
		v[FeatByteRatio] = ratioSentinel
	}

	topPorts := s.PortFreq.TopK(s.PortFreq.topCap())
	v[FeatPortEntropy] = portEntropy(topPorts)
	v[FeatWellKnownFrac], v[FeatEphemeralFrac], v[FeatTopPortShare] = portShares(topPorts)

	v[FeatHourConcentration] = hourConcentration(s.ActiveHours)

	if peers >= 1 {
		v[FeatServicesPerPeer] = clamp01(ports / (peers * 4))
	}

	if flows > 0 {
		v[FeatDirectionality] = float64(s.Counters.FlowsOut) / flows
		v[FeatLogBytesPerFlow] = clamp01(math.Log1p(totalBytes/flows) / math.Log(1<<30))
		v[FeatTCPShare] = float64(s.Counters.TCPFlows) / flows
		v[FeatUDPShare] = float64(s.Counters.UDPFlows) / flows
	} else {
		v[FeatDirectionality] = ratioSentinel
	}

	if pkts > 0 {
		v[FeatAvgPacketSize] = clamp01(totalBytes / pkts / 1500)
	}

	if totalBytes > 0 {
		if top := s.TopPeers.Entries(1); len(top) == 1 {
			v[FeatTopPeerShare] = clamp01(float64(top[0].Count) / totalBytes)
		}
	}

	var night, business, total uint64
	for hr, c := range s.ActiveHours {
		total += c
		if hr < 6 {
			night += c
		}
		if hr >= 9 && hr < 18 {
			business += c
		}
	}
	if total > 0 {
		v[FeatNightFrac] = float64(night) / float64(total)
		v[FeatBusinessFrac] = float64(business) / float64(total)
	}

	v[FeatLogFlows] = clamp01(math.Log1p(flows) / math.Log(1<<24))

	return v
}

// topCap returns the companion heap capacity, 0 when absent.
func (c *CMS) topCap() int {
	if c.Top == nil {
		return 0
	}
	return c.Top.K
}

// portEntropy is the Shannon entropy of the top-port frequency distribution,
// normalized to [0,1] by the maximum entropy for that many ports.
func portEntropy(top []TopEntry) float64 {
	if len(top) < 2 {
		return 0
	}
	var total float64
	for _, e := range top {
		total += float64(e.Count)
	}
	if total == 0 {
		return 0
	}
	var h float64
	for _, e := range top {
		if e.Count == 0 {
			continue
		}
		p := float64(e.Count) / total
		h -= p * math.Log2(p)
	}
	return clamp01(h / math.Log2(float64(len(top))))
}

// portShares splits the top-port traffic into well-known (<1024) and
// ephemeral (>=32768) fractions, and reports the dominant port's share.
func portShares(top []TopEntry) (wellKnown, ephemeral, dominant float64) {
	var total, wk, eph, max float64
	for _, e := range top {
		c := float64(e.Count)
		total += c
		if c > max {
			max = c
		}
		port := DecodePortKey(e.Key)
		if port < 1024 {
			wk += c
		} else if port >= 32768 {
			eph += c
		}
	}
	if total == 0 {
		return 0, 0, 0
	}
	return wk / total, eph / total, max / total
}

// DecodePortKey reverses the 2-byte big-endian CMS port key.
func DecodePortKey(key string) uint16 {
	if len(key) != 2 {
		return 0
	}
	return binary.BigEndian.Uint16([]byte(key))
}

// hourConcentration is the Herfindahl index of the hour-of-day activity
// histogram, rescaled so uniform activity maps to 0 and single-hour
// activity maps to 1.
func hourConcentration(hours [24]uint64) float64 {
	var total float64
	for _, c := range hours {
		total += float64(c)
	}
	if total == 0 {
		return 0
	}
	var hhi float64
	for _, c := range hours {
		p := float64(c) / total
		hhi += p * p
	}
	const uniform = 1.0 / 24
	return clamp01((hhi - uniform) / (1 - uniform))
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
