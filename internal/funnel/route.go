package funnel

// Route is one step of the funnel, in required order.
type Route int

const (
	RouteIntro Route = iota
	RouteIntake
	RouteQuiz
	RouteAnalysis
	RouteCheckout
	RouteDelivery
)

var routeNames = [...]string{
	RouteIntro:    "intro",
	RouteIntake:   "intake",
	RouteQuiz:     "quiz",
	RouteAnalysis: "analysis",
	RouteCheckout: "checkout",
	RouteDelivery: "delivery",
}

func (r Route) String() string {
	if r < RouteIntro || r > RouteDelivery {
		return "unknown"
	}
	return routeNames[r]
}

// ParseRoute maps a route name back to its Route.
func ParseRoute(name string) (Route, bool) {
	for r, n := range routeNames {
		if n == name {
			return Route(r), true
		}
	}
	return RouteIntro, false
}

// entryAllowed reports whether the gate in front of r is open, ignoring the
// gates of earlier routes.
func entryAllowed(s *Session, r Route, questionCount int) bool {
	switch r {
	case RouteIntro:
		return true
	case RouteIntake:
		return s.HasSeenVSL
	case RouteQuiz:
		return s.CanEnterQuiz()
	case RouteAnalysis:
		return s.CanEnterAnalysis(questionCount)
	case RouteCheckout:
		return s.CanEnterResult()
	case RouteDelivery:
		return s.CanEnterDelivery()
	}
	return false
}

// Guard returns the route the visitor should land on when asking for want:
// want itself when every gate up to it is open, otherwise the route just
// before the first closed gate.
func Guard(s *Session, want Route, questionCount int) Route {
	if want < RouteIntro || want > RouteDelivery {
		return RouteIntro
	}
	for r := RouteIntake; r <= want; r++ {
		if !entryAllowed(s, r, questionCount) {
			return r - 1
		}
	}
	return want
}

// Furthest returns the latest route the session may reach.
func Furthest(s *Session, questionCount int) Route {
	return Guard(s, RouteDelivery, questionCount)
}
