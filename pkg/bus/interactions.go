package bus

// viewerInteractionTypes is the shared catalogue of platform event types
// that count as direct viewer interactions. The EventSub adapter persists
// them; the overlay's base layer snapshots from the same set.
var viewerInteractionTypes = map[string]struct{}{
	"channel.chat.notification":    {},
	"channel.follow":               {},
	"channel.subscribe":            {},
	"channel.subscription.gift":    {},
	"channel.subscription.message": {},
	"channel.cheer":                {},
	"channel.raid":                 {},
}

// IsViewerInteraction reports whether the event type belongs to the
// viewer-interactions catalogue.
func IsViewerInteraction(eventType string) bool {
	_, ok := viewerInteractionTypes[eventType]
	return ok
}

// ViewerInteractionTypes returns the catalogue for query building.
func ViewerInteractionTypes() []string {
	out := make([]string, 0, len(viewerInteractionTypes))
	for t := range viewerInteractionTypes {
		out = append(out, t)
	}
	return out
}
