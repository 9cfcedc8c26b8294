package view

import (
	"fmt"
	"strings"

	"birdcam/internal/detection"
)

var confidenceTiers = map[string]Confidence{
	"élevé":  ConfidenceHigh,
	"moyen":  ConfidenceMedium,
	"faible": ConfidenceLow,
	"high":   ConfidenceHigh,
	"medium": ConfidenceMedium,
	"low":    ConfidenceLow,
}

// ConfidenceTier maps a raw confidence string to its tier. Unknown or empty
// values are low.
func ConfidenceTier(raw string) Confidence {
	if raw == "" {
		raw = "faible"
	}
	if tier, ok := confidenceTiers[strings.ToLower(raw)]; ok {
		return tier
	}
	return ConfidenceLow
}

// Render builds the result panel for a detection message. Acknowledgements
// must be filtered out by the caller.
func Render(r *detection.Result) Panel {
	if r.Error != "" {
		return Panel{
			Kind:    PanelError,
			Message: fmt.Sprintf("Error: %s - please retry", r.Error),
		}
	}

	if r.Empty() {
		p := Panel{
			Kind:        PanelEmpty,
			Message:     PromptNoBirds,
			RawResponse: r.RawResponse,
		}
		if r.Timestamp != "" {
			if t, ok := r.CheckedAt(); ok {
				p.LastCheck = "Last check: " + t.Format("15:04:05")
			} else {
				p.LastCheck = "Last check: " + r.Timestamp
			}
		}
		return p
	}

	return Panel{
		Kind:          PanelBirds,
		Birds:         GroupBirds(r.Birds),
		CapturedImage: r.CapturedImage,
		Resettable:    true,
	}
}

// GroupBirds merges birds of the same species in first-seen order. The
// first bird of a species provides its name, confidence and description;
// locations of all of them are kept.
func GroupBirds(birds []detection.Bird) []BirdEntry {
	var order []string
	groups := make(map[string]*BirdEntry)

	for _, b := range birds {
		key := b.Species
		if key == "" {
			key = UnknownSpecies
		}
		g, ok := groups[key]
		if !ok {
			raw := b.Confidence
			if raw == "" {
				raw = "faible"
			}
			g = &BirdEntry{
				Species:        key,
				ScientificName: b.ScientificName,
				Confidence:     ConfidenceTier(b.Confidence),
				Badge:          strings.ToUpper(raw),
				Description:    b.Description,
			}
			groups[key] = g
			order = append(order, key)
		}
		g.Count++
		if b.Location != "" {
			g.Locations = append(g.Locations, b.Location)
		}
	}

	out := make([]BirdEntry, 0, len(order))
	for _, key := range order {
		g := groups[key]
		if g.Count > 1 {
			g.Label = fmt.Sprintf("%d %ss", g.Count, g.Species)
		} else {
			g.Label = g.Species
		}
		out = append(out, *g)
	}
	return out
}

// JoinedLocations renders the locations of an entry on one line.
func (b BirdEntry) JoinedLocations() string {
	return strings.Join(b.Locations, ", ")
}
