package notifications

import (
	"encoding/json"
	"fmt"
	"time"
)

// Classify maps a delta to an event kind. Sales-status moves that do not
// cross into or out of "active" (e.g. sold_out → inactive) are recorded in
// state but produce no event.
func Classify(d Delta) (Kind, bool) {
	switch d.Family {
	case FamilyOperating:
		if d.After == StateOperating {
			return KindReopen, true
		}
		return KindClose, true
	case FamilyDPA:
		return salesKind(d, KindDPAStart, KindDPAEnd)
	case FamilyPP:
		return salesKind(d, KindPPStart, KindPPEnd)
	case FamilyWait:
		if d.WaitDelta != 0 {
			return KindWaitSpike, true
		}
	}
	return "", false
}

func salesKind(d Delta, start, end Kind) (Kind, bool) {
	before := Token(d.Before) == TokenActive
	after := Token(d.After) == TokenActive
	switch {
	case !before && after:
		return start, true
	case before && !after:
		return end, true
	}
	return "", false
}

// Render produces the deterministic title and body for an event.
func Render(kind Kind, name string, d Delta) (title, body string) {
	switch kind {
	case KindReopen:
		return fmt.Sprintf("%s: reopened", name),
			fmt.Sprintf("%s is operating again.", name)
	case KindClose:
		return fmt.Sprintf("%s: closed", name),
			fmt.Sprintf("%s has stopped operating.", name)
	case KindDPAStart:
		return fmt.Sprintf("%s: DPA on sale", name),
			fmt.Sprintf("Disney Premier Access for %s is now on sale.", name)
	case KindDPAEnd:
		return fmt.Sprintf("%s: DPA sales ended", name),
			fmt.Sprintf("Disney Premier Access for %s is no longer on sale (%s).", name, tokenLabel(d.After))
	case KindPPStart:
		return fmt.Sprintf("%s: Priority Pass issuing", name),
			fmt.Sprintf("Priority Pass for %s is now being issued.", name)
	case KindPPEnd:
		return fmt.Sprintf("%s: Priority Pass ended", name),
			fmt.Sprintf("Priority Pass for %s is no longer being issued (%s).", name, tokenLabel(d.After))
	case KindWaitSpike:
		direction := "up"
		if d.WaitDelta < 0 {
			direction = "down"
		}
		return fmt.Sprintf("%s: wait time %s %d min", name, direction, abs(d.WaitDelta)),
			fmt.Sprintf("Wait time for %s moved from %s to %s minutes.", name, d.Before, d.After)
	}
	return name, string(kind)
}

func tokenLabel(t string) string {
	switch Token(t) {
	case TokenSoldOut:
		return "sold out"
	case TokenInactive:
		return "not offered"
	case TokenSuspended:
		return "suspended"
	case TokenUnrecognized:
		return "status unclear"
	}
	return t
}

// BuildEvents classifies the deltas of one observation into rendered events.
// changedAt is the observation instant and becomes part of every uniq key.
func BuildEvents(e Entity, deltas []Delta, changedAt time.Time) []Event {
	var events []Event
	for _, d := range deltas {
		kind, ok := Classify(d)
		if !ok {
			continue
		}
		payload, _ := json.Marshal(Payload{
			Family: d.Family,
			Before: d.Before,
			After:  d.After,
			Delta:  d.WaitDelta,
		})
		title, body := Render(kind, e.Name, d)
		events = append(events, Event{
			EntityID:  e.ID,
			ParkID:    e.ParkID,
			Name:      e.Name,
			Family:    d.Family,
			Kind:      kind,
			Title:     title,
			Body:      body,
			Payload:   payload,
			ChangedAt: changedAt.UTC(),
			UniqKey:   UniqKey(d.Family, e.ParkID, e.Name, kind, changedAt),
		})
	}
	return events
}
