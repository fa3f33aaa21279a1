package capture

import (
	"sort"
	"time"

	"threatwatch/internal/features"
	"threatwatch/internal/model"
)

type Count struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

type Stats struct {
	Total           int            `json:"total"`
	Protocols       map[string]int `json:"protocols"`
	Interfaces      map[string]int `json:"interfaces"`
	TopSources      []Count        `json:"top_sources"`
	TopDestinations []Count        `json:"top_destinations"`
}

const topN = 10

func ComputeStats(packets []model.PacketRecord) Stats {
	st := Stats{
		Total:      len(packets),
		Protocols:  map[string]int{},
		Interfaces: map[string]int{},
	}
	srcs := map[string]int{}
	dsts := map[string]int{}
	for _, p := range packets {
		proto := string(p.Protocol)
		if proto == "" {
			proto = "unknown"
		}
		st.Protocols[proto]++
		if p.InterfaceName != "" {
			st.Interfaces[p.InterfaceName]++
		}
		srcs[p.SourceAddress]++
		dsts[p.DestAddress]++
	}
	st.TopSources = top(srcs, topN)
	st.TopDestinations = top(dsts, topN)
	return st
}

func top(m map[string]int, n int) []Count {
	out := make([]Count, 0, len(m))
	for k, v := range m {
		out = append(out, Count{Key: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

type TimelinePoint struct {
	Minute     time.Time `json:"minute"`
	InboundKB  float64   `json:"inbound_kb"`
	OutboundKB float64   `json:"outbound_kb"`
}

// Timeline buckets traffic per minute for the `minutes` minutes ending at
// now. Inbound traffic targets a private address, outbound traffic leaves
// one; a packet between two private hosts counts both ways.
func Timeline(packets []model.PacketRecord, now time.Time, minutes int) []TimelinePoint {
	if minutes <= 0 {
		minutes = 60
	}
	end := now.UTC().Truncate(time.Minute)
	start := end.Add(-time.Duration(minutes-1) * time.Minute)
	points := make([]TimelinePoint, minutes)
	for i := range points {
		points[i].Minute = start.Add(time.Duration(i) * time.Minute)
	}
	for _, p := range packets {
		m := p.Timestamp.UTC().Truncate(time.Minute)
		if m.Before(start) || m.After(end) {
			continue
		}
		idx := int(m.Sub(start) / time.Minute)
		kb := float64(p.SizeBytes) / 1024
		if features.IsPrivate(p.DestAddress) {
			points[idx].InboundKB += kb
		}
		if features.IsPrivate(p.SourceAddress) {
			points[idx].OutboundKB += kb
		}
	}
	return points
}
