package orchestrator

import (
	"github.com/agenthands/cortex/internal/core/model"
)

// venueInput is everything venue selection looks at.
type venueInput struct {
	kind            model.Kind
	alwaysLocal     bool
	tier            model.SecurityTier
	cloudRequired   bool
	redirect        bool
	localPrior      float64
	threshold       float64
	remoteAvailable bool
}

type venueRule struct {
	name  string
	when  func(venueInput) bool
	venue model.Venue
}

// venueTable is evaluated top to bottom; the first matching row wins.
var venueTable = []venueRule{
	{"critical tier stays local", func(in venueInput) bool { return in.tier == model.TierCritical }, model.VenueLocal},
	{"always-local kind", func(in venueInput) bool { return in.alwaysLocal }, model.VenueLocal},
	{"cloud required", func(in venueInput) bool { return in.cloudRequired }, model.VenueRemote},
	{"no remote available", func(in venueInput) bool { return !in.remoteAvailable }, model.VenueLocal},
	{"policy redirect", func(in venueInput) bool { return in.redirect }, model.VenueRemote},
	{"low local confidence", func(in venueInput) bool { return in.localPrior < in.threshold }, model.VenueHybrid},
	{"default", func(venueInput) bool { return true }, model.VenueLocal},
}

func selectVenue(in venueInput) (model.Venue, string) {
	for _, row := range venueTable {
		if row.when(in) {
			return row.venue, row.name
		}
	}
	return model.VenueLocal, "default"
}
