package transport

import (
	"math"
	"sync"
	"time"

	"github.com/Mmx233/tsproto/protocol"
)

// PacketKind groups packet types for traffic accounting
type PacketKind uint8

const (
	KindSpeech PacketKind = iota
	KindKeepalive
	KindControl
	kindCount
)

func (k PacketKind) String() string {
	switch k {
	case KindSpeech:
		return "speech"
	case KindKeepalive:
		return "keepalive"
	case KindControl:
		return "control"
	default:
		return "unknown"
	}
}

// KindOf maps a packet type to its accounting kind
func KindOf(t protocol.PacketType) PacketKind {
	switch t {
	case protocol.Voice, protocol.VoiceWhisper:
		return KindSpeech
	case protocol.Ping, protocol.Pong:
		return KindKeepalive
	default:
		return KindControl
	}
}

const pingSamples = 60

// RFC 6298 smoothing factors
const (
	rttAlpha = 0.125
	rttBeta  = 0.25
)

// Counter holds packet and byte totals of one kind
type Counter struct {
	Packets uint64
	Bytes   uint64
}

// Stats is a point in time copy of the connection statistics
type Stats struct {
	In  [kindCount]Counter
	Out [kindCount]Counter

	Resent    uint64
	LostPings uint64

	LastPing      time.Duration
	AveragePing   time.Duration
	PingDeviation time.Duration

	// Round trip estimate fed by pongs and first-try acks
	LastRTT     time.Duration
	SmoothedRTT time.Duration
	RTTVariance time.Duration
}

// NetworkStats accounts traffic of a single connection. Safe for concurrent use.
type NetworkStats struct {
	mu        sync.Mutex
	in, out   [kindCount]Counter
	resent    uint64
	lostPings uint64
	pings     []time.Duration

	lastRTT, srtt, rttVar time.Duration
}

func (s *NetworkStats) logIn(t protocol.PacketType, size int) {
	s.mu.Lock()
	c := &s.in[KindOf(t)]
	c.Packets++
	c.Bytes += uint64(size)
	s.mu.Unlock()
}

func (s *NetworkStats) logOut(t protocol.PacketType, size int) {
	s.mu.Lock()
	c := &s.out[KindOf(t)]
	c.Packets++
	c.Bytes += uint64(size)
	s.mu.Unlock()
}

func (s *NetworkStats) logResend() {
	s.mu.Lock()
	s.resent++
	s.mu.Unlock()
}

func (s *NetworkStats) logLostPings(n int) {
	s.mu.Lock()
	s.lostPings += uint64(n)
	s.mu.Unlock()
}

func (s *NetworkStats) addPing(rtt time.Duration) {
	s.mu.Lock()
	if len(s.pings) >= pingSamples {
		s.pings = append(s.pings[:0], s.pings[1:]...)
	}
	s.pings = append(s.pings, rtt)
	s.mu.Unlock()
}

// addRTT updates the smoothed round trip estimate
func (s *NetworkStats) addRTT(sample time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRTT = sample
	if s.srtt == 0 {
		s.srtt = sample
		s.rttVar = sample / 2
		return
	}
	s.srtt = time.Duration((1-rttAlpha)*float64(s.srtt) + rttAlpha*float64(sample))
	diff := sample - s.srtt
	if diff < 0 {
		diff = -diff
	}
	s.rttVar = time.Duration((1-rttBeta)*float64(s.rttVar) + rttBeta*float64(diff))
}

// Reset clears every counter
func (s *NetworkStats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.in = [kindCount]Counter{}
	s.out = [kindCount]Counter{}
	s.resent = 0
	s.lostPings = 0
	s.pings = s.pings[:0]
	s.lastRTT, s.srtt, s.rttVar = 0, 0, 0
}

// Snapshot returns a copy of the current counters
func (s *NetworkStats) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		In:        s.in,
		Out:       s.out,
		Resent:    s.resent,
		LostPings: s.lostPings,

		LastRTT:     s.lastRTT,
		SmoothedRTT: s.srtt,
		RTTVariance: s.rttVar,
	}
	if len(s.pings) == 0 {
		return st
	}

	st.LastPing = s.pings[len(s.pings)-1]
	var sum float64
	for _, p := range s.pings {
		sum += float64(p)
	}
	mean := sum / float64(len(s.pings))
	var variance float64
	for _, p := range s.pings {
		d := float64(p) - mean
		variance += d * d
	}
	st.AveragePing = time.Duration(mean)
	st.PingDeviation = time.Duration(math.Sqrt(variance / float64(len(s.pings))))
	return st
}
