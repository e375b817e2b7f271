package agent

import (
	"github.com/ashureev/dataloop/internal/fingerprint"
)

const (
	// fingerprintWindow bounds the remembered response fingerprints per chat.
	fingerprintWindow = 10
	// loopCeiling is the number of distinct follow-up responses after which a
	// chat is considered to be looping.
	loopCeiling = 8
)

// LoopDetector tracks normalized response fingerprints for one chat in a
// bounded FIFO set.
type LoopDetector struct {
	order []string
	seen  map[string]struct{}
}

// NewLoopDetector restores a detector from persisted fingerprints, oldest first.
func NewLoopDetector(fingerprints []string) *LoopDetector {
	d := &LoopDetector{seen: make(map[string]struct{})}
	for _, fp := range fingerprints {
		d.add(fp)
	}
	return d
}

// Check fingerprints text and records it. A loop is reported when the
// fingerprint was already present or the set has reached the ceiling.
func (d *LoopDetector) Check(text string) error {
	fp := fingerprint.Response(text)
	if _, ok := d.seen[fp]; ok {
		return &LoopError{Fingerprint: fp, Distinct: len(d.order), Repeated: true}
	}
	d.add(fp)
	if len(d.order) >= loopCeiling {
		return &LoopError{Fingerprint: fp, Distinct: len(d.order)}
	}
	return nil
}

func (d *LoopDetector) add(fp string) {
	if _, ok := d.seen[fp]; ok {
		return
	}
	d.order = append(d.order, fp)
	d.seen[fp] = struct{}{}
	for len(d.order) > fingerprintWindow {
		delete(d.seen, d.order[0])
		d.order = d.order[1:]
	}
}

// Fingerprints returns the remembered fingerprints, oldest first.
func (d *LoopDetector) Fingerprints() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// Len returns the number of remembered fingerprints.
func (d *LoopDetector) Len() int {
	return len(d.order)
}
