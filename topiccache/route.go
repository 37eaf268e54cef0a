package topiccache

import (
	"strings"

	"github.com/c360/protogate/config"
)

// Placeholders a subscription address may use to name a segment.
const (
	placeholderProductKey = "{productKey}"
	placeholderDeviceID   = "{deviceId}"
)

// route is one compiled subscription of a tenant.
type route struct {
	pattern    string
	segments   []string
	productKey string
	category   string
	pkIndex    int
	devIndex   int
	multi      bool
}

// match is the result of matching an address against a route.
type match struct {
	productKey string
	deviceID   string
	category   string
}

func splitAddress(address string) []string {
	return strings.Split(address, "/")
}

// compile turns a subscription into a route. The product key is taken from
// the subscription, then from a {productKey} segment at match time, then
// from the tenant default.
func compile(sub config.Subscription, tenantProduct string) route {
	r := route{
		pattern:  sub.Address,
		segments: splitAddress(sub.Address),
		category: sub.Category,
		pkIndex:  -1,
		devIndex: -1,
	}

	lastPlus := -1
	for i, seg := range r.segments {
		switch seg {
		case placeholderProductKey:
			r.pkIndex = i
		case placeholderDeviceID:
			r.devIndex = i
		case "+":
			lastPlus = i
		case "#":
			r.multi = i == len(r.segments)-1
		}
	}
	if r.devIndex < 0 {
		r.devIndex = lastPlus
	}

	r.productKey = sub.ProductKey
	if r.productKey == "" && r.pkIndex < 0 {
		r.productKey = tenantProduct
	}
	return r
}

// staticProductKey is the product key known without an address, used for
// category ownership.
func (r route) staticProductKey() string {
	if r.pkIndex >= 0 {
		return ""
	}
	return r.productKey
}

func (r route) match(segments []string) (match, bool) {
	pat := r.segments
	if r.multi {
		prefix := pat[:len(pat)-1]
		if len(segments) < len(prefix) {
			return match{}, false
		}
		if !matchSegments(prefix, segments[:len(prefix)]) {
			return match{}, false
		}
	} else {
		if len(segments) != len(pat) || !matchSegments(pat, segments) {
			return match{}, false
		}
	}

	m := match{productKey: r.productKey, category: r.category}
	if r.pkIndex >= 0 && r.pkIndex < len(segments) {
		m.productKey = segments[r.pkIndex]
	}
	switch {
	case r.devIndex >= 0 && r.devIndex < len(segments):
		m.deviceID = segments[r.devIndex]
	case r.multi && len(segments) > len(pat)-1:
		m.deviceID = segments[len(segments)-1]
	}
	if m.productKey == "" {
		return match{}, false
	}
	return m, true
}

func matchSegments(pattern, segments []string) bool {
	for i, p := range pattern {
		switch p {
		case "+", placeholderProductKey, placeholderDeviceID:
			if segments[i] == "" {
				return false
			}
		default:
			if p != segments[i] {
				return false
			}
		}
	}
	return true
}

// Generic address grammar recognised when no tenant route matches.
const (
	thingRoot = "$thing"
	thingUp   = "up"
)

// grammar selects which generic address forms a tenant accepts.
type grammar int

const (
	// grammarThing accepts only the explicit $thing/up/... form.
	grammarThing grammar = iota + 1
	// grammarFull also reads the trailing two segments as product key and
	// device id.
	grammarFull
)

// grammarFor returns the generic grammar of a tenant. Only MQTT addresses
// are device topics; socket and WebSocket addresses are endpoint paths and
// carry no identity beyond an explicit $thing topic.
func grammarFor(cfg *config.TenantConfig) grammar {
	if cfg.Transport == config.TransportMQTT {
		return grammarFull
	}
	return grammarThing
}

// parseGeneric understands $thing/up/{category}/{productKey}/{deviceId} and,
// under the full grammar, treats the trailing two segments as product key
// and device id.
func parseGeneric(address string, g grammar) (match, bool) {
	segments := splitAddress(strings.TrimPrefix(address, "/"))
	if len(segments) >= 5 && segments[0] == thingRoot && segments[1] == thingUp {
		m := match{category: segments[2], productKey: segments[3], deviceID: segments[4]}
		if m.productKey == "" || m.deviceID == "" {
			return match{}, false
		}
		return m, true
	}

	if g != grammarFull || len(segments) < 2 {
		return match{}, false
	}
	m := match{
		productKey: segments[len(segments)-2],
		deviceID:   segments[len(segments)-1],
	}
	if m.productKey == "" || m.deviceID == "" {
		return match{}, false
	}
	return m, true
}
