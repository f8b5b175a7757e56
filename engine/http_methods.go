package engine

// knownHTTPMethods are the tokens the respond task recognizes as "a
// method" at all ("unknown method → 501"). This is
// the RFC 7231/RFC 5789 core set; it is intentionally independent of
// Options.AllowedMethods, which narrows this set down to what the
// embedding application actually serves.
var knownHTTPMethods = map[string]bool{
	"GET":     true,
	"HEAD":    true,
	"POST":    true,
	"PUT":     true,
	"DELETE":  true,
	"CONNECT": true,
	"OPTIONS": true,
	"TRACE":   true,
	"PATCH":   true,
}

func isKnownHTTPMethod(method string) bool {
	return knownHTTPMethods[method]
}
