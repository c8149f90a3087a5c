package archive

import (
	"strings"
	"time"
)

// Profile maps (collector identity, peer, family, timestamp) to a segment
// filename via a declarative template (spec.md §4.5). RouteViews and
// RIPE-RIS mirror the two public MRT archive conventions; custom-template
// lets an operator supply their own.
type Profile struct {
	Name     string
	Template string
}

var (
	RouteViews     = Profile{Name: "RouteViews", Template: "{collector}/updates.{yyyy}{mm}{dd}.{hh}{mm2}"}
	RIPERIS        = Profile{Name: "RIPE-RIS", Template: "{collector}/{yyyy}.{mm}/updates.{yyyy}{mm}{dd}.{hh}{mm2}"}
	CustomTemplate = func(template string) Profile { return Profile{Name: "custom-template", Template: template} }
)

// Filename renders the profile's template for one segment open.
func (p Profile) Filename(collector, peer, family string, ts time.Time) string {
	r := strings.NewReplacer(
		"{collector}", collector,
		"{peer}", peer,
		"{family}", family,
		"{yyyy}", ts.Format("2006"),
		"{mm}", ts.Format("01"),
		"{dd}", ts.Format("02"),
		"{hh}", ts.Format("15"),
		"{mm2}", ts.Format("04"),
	)
	return r.Replace(p.Template)
}

// ProfileFor resolves a profile by name, as configured in
// config.ArchiveConfig.Profile/Template.
func ProfileFor(name, template string) Profile {
	switch name {
	case "RIPE-RIS":
		return RIPERIS
	case "custom-template":
		return CustomTemplate(template)
	default:
		return RouteViews
	}
}
