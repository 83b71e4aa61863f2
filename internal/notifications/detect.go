package notifications

import "strconv"

// Delta is one field-family difference between an observation and the
// acknowledged state.
type Delta struct {
	Family Family
	Before string
	After  string
	// WaitDelta is After-Before in minutes for the wait family.
	WaitDelta int
}

// Detect compares an observation with the acknowledged state and returns the
// significant deltas. Status values are canonicalized before comparison, so a
// rewording upstream never counts as a change. A wait time moving between
// absent and present is not a delta; neither is a move smaller than
// spikeThreshold.
func Detect(o Observation, st CurrentState, spikeThreshold int) []Delta {
	if spikeThreshold <= 0 {
		spikeThreshold = defaultSpikeThreshold
	}

	var deltas []Delta

	if o.Operating != st.Operating {
		deltas = append(deltas, Delta{
			Family: FamilyOperating,
			Before: operatingValue(st.Operating),
			After:  operatingValue(o.Operating),
		})
	}

	if dpa := CanonicalDPA(o.DPA); dpa != st.DPA {
		deltas = append(deltas, Delta{Family: FamilyDPA, Before: string(st.DPA), After: string(dpa)})
	}

	if pp := CanonicalPP(o.PP); pp != st.PP {
		deltas = append(deltas, Delta{Family: FamilyPP, Before: string(st.PP), After: string(pp)})
	}

	if o.Wait != nil && st.Wait != nil {
		diff := *o.Wait - *st.Wait
		if abs(diff) >= spikeThreshold {
			deltas = append(deltas, Delta{
				Family:    FamilyWait,
				Before:    strconv.Itoa(*st.Wait),
				After:     strconv.Itoa(*o.Wait),
				WaitDelta: diff,
			})
		}
	}

	return deltas
}

func operatingValue(open bool) string {
	if open {
		return StateOperating
	}
	return StateClosed
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
