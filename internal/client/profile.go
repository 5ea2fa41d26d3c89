package client

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/rpsota/rpsota/internal/version"
)

// StatsSource is implemented by transports that expose QUIC statistics.
type StatsSource interface {
	ConnectionStats() quic.ConnectionStats
}

// Profile is the structured summary of one transfer.
type Profile struct {
	Timestamp      string          `json:"timestamp"`
	Commit         string          `json:"commit"`
	Session        string          `json:"session"`
	State          string          `json:"state"`
	Version        string          `json:"firmware_version,omitempty"`
	DurationS      float64         `json:"duration_s"`
	ImageSize      int             `json:"image_size"`
	ChunkSize      int             `json:"chunk_size"`
	Chunks         int             `json:"chunks"`
	HeaderRequests int             `json:"header_requests"`
	BytesAppended  int64           `json:"bytes_appended"`
	RateKBps       float64         `json:"rate_kbps"`
	RTT            *profileRTT     `json:"rtt,omitempty"`
	Traffic        *profileTraffic `json:"traffic,omitempty"`
}

type profileRTT struct {
	MinMs    float64 `json:"min_ms"`
	SmoothMs float64 `json:"smooth_ms"`
	LatestMs float64 `json:"latest_ms"`
	JitterMs float64 `json:"jitter_ms"`
}

type profileTraffic struct {
	BytesSent uint64 `json:"bytes_sent"`
	BytesRecv uint64 `json:"bytes_recv"`
	PktsSent  uint64 `json:"pkts_sent"`
	PktsRecv  uint64 `json:"pkts_recv"`
	PktsLost  uint64 `json:"pkts_lost"`
}

// NewProfile summarizes s. QUIC statistics are included when t exposes them.
func NewProfile(s *Session, t any) Profile {
	d := s.Duration()
	p := Profile{
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		Commit:         version.Commit,
		Session:        s.ID,
		State:          s.State.String(),
		DurationS:      d.Seconds(),
		ImageSize:      s.ImageSize,
		ChunkSize:      s.ChunkSize,
		Chunks:         s.TotalChunks,
		HeaderRequests: s.HeaderRequests,
		BytesAppended:  s.BytesAppended,
	}
	if s.ImageSize > 0 {
		p.Version = s.Header.Version()
	}
	if d > 0 {
		p.RateKBps = float64(s.BytesAppended) / 1024 / d.Seconds()
	}
	if src, ok := t.(StatsSource); ok {
		stats := src.ConnectionStats()
		p.RTT = &profileRTT{
			MinMs:    msFloat(stats.MinRTT),
			SmoothMs: msFloat(stats.SmoothedRTT),
			LatestMs: msFloat(stats.LatestRTT),
			JitterMs: msFloat(stats.MeanDeviation),
		}
		p.Traffic = &profileTraffic{
			BytesSent: stats.BytesSent,
			BytesRecv: stats.BytesReceived,
			PktsSent:  stats.PacketsSent,
			PktsRecv:  stats.PacketsReceived,
			PktsLost:  stats.PacketsLost,
		}
	}
	return p
}

// Print writes a human-readable summary to w.
func (p Profile) Print(w io.Writer) {
	fmt.Fprintf(w, "[profile] === Transfer Profile ===\n")
	fmt.Fprintf(w, "[profile] Session: %s (%s)\n", p.Session, p.State)
	fmt.Fprintf(w, "[profile] Duration: %s\n", formatDuration(time.Duration(p.DurationS*float64(time.Second))))
	fmt.Fprintf(w, "[profile] Image: %s in %d chunks of %s, %d header requests\n",
		formatBytes(uint64(max(p.ImageSize, 0))),
		p.Chunks,
		formatBytes(uint64(max(p.ChunkSize, 0))),
		p.HeaderRequests,
	)
	fmt.Fprintf(w, "[profile] Loaded: %s at %.1fKB/s\n", formatBytes(uint64(max(p.BytesAppended, 0))), p.RateKBps)
	if p.RTT != nil {
		fmt.Fprintf(w, "[profile] RTT: min=%.1fms smooth=%.1fms latest=%.1fms jitter=%.1fms\n",
			p.RTT.MinMs, p.RTT.SmoothMs, p.RTT.LatestMs, p.RTT.JitterMs)
	}
	if p.Traffic != nil {
		fmt.Fprintf(w, "[profile] Traffic: sent=%s/%dpkts recv=%s/%dpkts lost=%dpkts\n",
			formatBytes(p.Traffic.BytesSent),
			p.Traffic.PktsSent,
			formatBytes(p.Traffic.BytesRecv),
			p.Traffic.PktsRecv,
			p.Traffic.PktsLost,
		)
	}
}

// WriteJSON dumps the profile to dir/rpsota-profile-<timestamp>.json and
// returns the file name.
func (p Profile) WriteJSON(dir string) (string, error) {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return "", fmt.Errorf("profile: json marshal: %w", err)
	}
	name := filepath.Join(dir, fmt.Sprintf("rpsota-profile-%s.json", time.Now().Format("20060102-150405.000")))
	if err := os.WriteFile(name, data, 0644); err != nil {
		return "", fmt.Errorf("profile: write %s: %w", name, err)
	}
	return name, nil
}

// msFloat converts a Duration to milliseconds as float64.
func msFloat(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// formatBytes formats a byte count as a human-readable string.
func formatBytes(b uint64) string {
	switch {
	case b >= 1<<30:
		return fmt.Sprintf("%.1fGB", float64(b)/(1<<30))
	case b >= 1<<20:
		return fmt.Sprintf("%.1fMB", float64(b)/(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.1fKB", float64(b)/(1<<10))
	default:
		return fmt.Sprintf("%dB", b)
	}
}

// formatDuration formats a duration as milliseconds with one decimal.
func formatDuration(d time.Duration) string {
	if d == 0 {
		return "0ms"
	}
	return fmt.Sprintf("%.1fms", msFloat(d))
}
