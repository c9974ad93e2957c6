package fleet

//
// Link profiles: per-link network impairment specifications
//

import (
	"fmt"
	"sync"
)

// QueueDiscipline selects how a link queues frames awaiting
// transmission.
type QueueDiscipline string

const (
	// QueueDropTail is a bounded FIFO queue that drops incoming
	// frames when full. This is the default discipline.
	QueueDropTail = QueueDiscipline("droptail")

	// QueueUnbounded is a FIFO queue without a size cap. Useful to
	// emulate bufferbloat-prone equipment.
	QueueUnbounded = QueueDiscipline("unbounded")
)

// LinkProfile describes the impairments of one topology link. The
// profile applies to both directions unless Reverse is set, in which
// case Reverse describes the B->A direction. A profile is immutable
// once applied to a live link for the duration of the run.
type LinkProfile struct {
	// Bandwidth is the link bandwidth in bits per second. Zero means
	// the link is not rate limited. MUST NOT be negative.
	Bandwidth int64 `yaml:"bandwidth_bps" json:"bandwidth_bps"`

	// Latency is the one-way propagation delay.
	Latency Duration `yaml:"latency" json:"latency"`

	// Jitter is the maximum random extra delay added per frame.
	Jitter Duration `yaml:"jitter" json:"jitter"`

	// Loss is the packet loss rate. MUST be in [0, 1].
	Loss float64 `yaml:"loss" json:"loss"`

	// Queue is the queue discipline. Empty selects [QueueDropTail].
	Queue QueueDiscipline `yaml:"queue" json:"queue"`

	// Reverse OPTIONALLY overrides the reverse direction.
	Reverse *ReverseShape `yaml:"reverse,omitempty" json:"reverse,omitempty"`
}

// ReverseShape describes the reverse direction of an asymmetric link.
type ReverseShape struct {
	// Bandwidth is like [LinkProfile.Bandwidth].
	Bandwidth int64 `yaml:"bandwidth_bps" json:"bandwidth_bps"`

	// Latency is like [LinkProfile.Latency].
	Latency Duration `yaml:"latency" json:"latency"`

	// Jitter is like [LinkProfile.Jitter].
	Jitter Duration `yaml:"jitter" json:"jitter"`

	// Loss is like [LinkProfile.Loss].
	Loss float64 `yaml:"loss" json:"loss"`
}

// Validate checks the profile invariants.
func (p *LinkProfile) Validate() error {
	if p.Bandwidth < 0 {
		return fmt.Errorf("%w: bandwidth %d < 0", ErrInvalidProfile, p.Bandwidth)
	}
	if p.Loss < 0 || p.Loss > 1 {
		return fmt.Errorf("%w: loss rate %v outside [0, 1]", ErrInvalidProfile, p.Loss)
	}
	if p.Latency < 0 || p.Jitter < 0 {
		return fmt.Errorf("%w: negative delay", ErrInvalidProfile)
	}
	switch p.Queue {
	case "", QueueDropTail, QueueUnbounded:
	default:
		return fmt.Errorf("%w: unknown queue discipline %q", ErrInvalidProfile, p.Queue)
	}
	if r := p.Reverse; r != nil {
		if r.Bandwidth < 0 {
			return fmt.Errorf("%w: reverse bandwidth %d < 0", ErrInvalidProfile, r.Bandwidth)
		}
		if r.Loss < 0 || r.Loss > 1 {
			return fmt.Errorf("%w: reverse loss rate %v outside [0, 1]", ErrInvalidProfile, r.Loss)
		}
		if r.Latency < 0 || r.Jitter < 0 {
			return fmt.Errorf("%w: negative reverse delay", ErrInvalidProfile)
		}
	}
	return nil
}

// forwardShape returns the shaping parameters of the A->B direction.
func (p *LinkProfile) forwardShape() linkShape {
	return linkShape{
		bandwidth: p.Bandwidth,
		delay:     p.Latency.D(),
		jitter:    p.Jitter.D(),
		loss:      p.Loss,
		unbounded: p.Queue == QueueUnbounded,
	}
}

// reverseShape returns the shaping parameters of the B->A direction.
func (p *LinkProfile) reverseShape() linkShape {
	if p.Reverse == nil {
		return p.forwardShape()
	}
	return linkShape{
		bandwidth: p.Reverse.Bandwidth,
		delay:     p.Reverse.Latency.D(),
		jitter:    p.Reverse.Jitter.D(),
		loss:      p.Reverse.Loss,
		unbounded: p.Queue == QueueUnbounded,
	}
}

// ProfileStore holds named [LinkProfile]s. The store only manages its
// own mapping; it never touches live links. The zero value is invalid;
// construct with [NewProfileStore].
type ProfileStore struct {
	// mu provides mutual exclusion.
	mu sync.Mutex

	// profiles maps names to profiles.
	profiles map[string]LinkProfile
}

// NewProfileStore creates an empty [ProfileStore].
func NewProfileStore() *ProfileStore {
	return &ProfileStore{
		mu:       sync.Mutex{},
		profiles: map[string]LinkProfile{},
	}
}

// Set validates the profile and stores it under the given name,
// replacing any previous profile. Returns a [ErrInvalidProfile] based
// error when validation fails.
func (s *ProfileStore) Set(name string, profile LinkProfile) error {
	if err := profile.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.profiles[name] = profile
	s.mu.Unlock()
	return nil
}

// Get returns a copy of the profile stored under the given name or
// an [ErrProfileNotFound] based error when there is none.
func (s *ProfileStore) Get(name string) (LinkProfile, error) {
	defer s.mu.Unlock()
	s.mu.Lock()
	profile, found := s.profiles[name]
	if !found {
		return LinkProfile{}, fmt.Errorf("%w: %s", ErrProfileNotFound, name)
	}
	return profile, nil
}

// Snapshot returns a copy of the whole mapping, which the metrics
// collector persists alongside the run results.
func (s *ProfileStore) Snapshot() map[string]LinkProfile {
	defer s.mu.Unlock()
	s.mu.Lock()
	out := make(map[string]LinkProfile, len(s.profiles))
	for id, profile := range s.profiles {
		out[id] = profile
	}
	return out
}
