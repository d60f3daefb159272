package server

import "net/http"

const (
	defaultFrameAncestors            = "'none'"
	defaultFrameOptions              = "DENY"
	defaultReferrerPolicy            = "no-referrer"
	defaultPermissionsPolicy         = "camera=(), microphone=(), geolocation=()"
	defaultContentTypeOptions        = "nosniff"
	defaultCrossOriginResourcePolicy = "cross-origin"
	defaultStrictTransportSecurity   = "max-age=31536000"
)

// SecurityConfig controls the hardening headers added to every response.
// Zero-valued fields fall back to defaults suited to a JSON and media API.
// StrictTransportSecurity is only sent on requests that arrived over TLS.
type SecurityConfig struct {
	ContentSecurityPolicy     string
	FrameAncestors            string
	FrameOptions              string
	ReferrerPolicy            string
	PermissionsPolicy         string
	ContentTypeOptions        string
	CrossOriginResourcePolicy string
	StrictTransportSecurity   string
}

func (cfg SecurityConfig) withDefaults() SecurityConfig {
	fill := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	fill(&cfg.FrameAncestors, defaultFrameAncestors)
	fill(&cfg.FrameOptions, defaultFrameOptions)
	fill(&cfg.ReferrerPolicy, defaultReferrerPolicy)
	fill(&cfg.PermissionsPolicy, defaultPermissionsPolicy)
	fill(&cfg.ContentTypeOptions, defaultContentTypeOptions)
	fill(&cfg.CrossOriginResourcePolicy, defaultCrossOriginResourcePolicy)
	fill(&cfg.StrictTransportSecurity, defaultStrictTransportSecurity)
	fill(&cfg.ContentSecurityPolicy, defaultContentSecurityPolicy(cfg.FrameAncestors))
	return cfg
}

// The API only serves JSON, event streams and media attachments, so nothing
// needs to load scripts or styles.
func defaultContentSecurityPolicy(frameAncestors string) string {
	if frameAncestors == "" {
		frameAncestors = defaultFrameAncestors
	}
	return "default-src 'none'; " +
		"media-src 'self'; " +
		"base-uri 'none'; " +
		"frame-ancestors " + frameAncestors + "; " +
		"form-action 'none'"
}

type headerPair struct{ key, value string }

func securityHeadersMiddleware(cfg SecurityConfig, next http.Handler) http.Handler {
	effective := cfg.withDefaults()
	always := []headerPair{
		{"Content-Security-Policy", effective.ContentSecurityPolicy},
		{"X-Frame-Options", effective.FrameOptions},
		{"X-Content-Type-Options", effective.ContentTypeOptions},
		{"Referrer-Policy", effective.ReferrerPolicy},
		{"Permissions-Policy", effective.PermissionsPolicy},
		{"Cross-Origin-Resource-Policy", effective.CrossOriginResourcePolicy},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for _, p := range always {
			h.Set(p.key, p.value)
		}
		if r.TLS != nil {
			h.Set("Strict-Transport-Security", effective.StrictTransportSecurity)
		}
		next.ServeHTTP(w, r)
	})
}
