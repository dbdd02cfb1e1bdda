package api

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// CORSConfig holds CORS configuration
type CORSConfig struct {
	Enabled          bool     `toml:"enabled" json:"enabled"`
	AllowedOrigins   []string `toml:"allowed_origins" json:"allowed_origins"`
	AllowedMethods   []string `toml:"allowed_methods" json:"allowed_methods"`
	AllowedHeaders   []string `toml:"allowed_headers" json:"allowed_headers"`
	AllowCredentials bool     `toml:"allow_credentials" json:"allow_credentials"`
	MaxAge           int      `toml:"max_age" json:"max_age"`
}

// CORSMiddleware answers preflights for whitelisted origins.
type CORSMiddleware struct {
	config CORSConfig
}

// NewCORSMiddleware creates a new CORS middleware
func NewCORSMiddleware(config CORSConfig) *CORSMiddleware {
	if len(config.AllowedMethods) == 0 {
		config.AllowedMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	}
	if len(config.AllowedHeaders) == 0 {
		config.AllowedHeaders = []string{"Content-Type", "Authorization"}
	}
	if config.MaxAge == 0 {
		config.MaxAge = 86400
	}
	return &CORSMiddleware{config: config}
}

func (cm *CORSMiddleware) allowedOrigin(origin string) (string, bool) {
	for _, o := range cm.config.AllowedOrigins {
		if o == "*" {
			return "*", true
		}
		if o == origin {
			return origin, true
		}
	}
	return "", false
}

// Handler returns the CORS middleware handler
func (cm *CORSMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if !cm.config.Enabled || origin == "" {
			next.ServeHTTP(w, r)
			return
		}

		allowed, ok := cm.allowedOrigin(origin)
		if !ok {
			if r.Method == http.MethodOptions {
				http.Error(w, "Origin not allowed", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Set("Access-Control-Allow-Origin", allowed)
		if cm.config.AllowCredentials {
			h.Set("Access-Control-Allow-Credentials", "true")
		}
		h.Set("Access-Control-Allow-Methods", strings.Join(cm.config.AllowedMethods, ", "))
		h.Set("Access-Control-Allow-Headers", strings.Join(cm.config.AllowedHeaders, ", "))
		h.Set("Access-Control-Max-Age", strconv.Itoa(cm.config.MaxAge))

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool     `toml:"enabled" json:"enabled"`
	RequestsPerSecond float64  `toml:"requests_per_second" json:"requests_per_second"`
	Burst             int      `toml:"burst" json:"burst"`
	TrustedProxies    []string `toml:"trusted_proxies" json:"trusted_proxies"`
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitMiddleware provides per-IP rate limiting
type RateLimitMiddleware struct {
	mu              sync.Mutex
	clients         map[string]*clientLimiter
	rate            rate.Limit
	burst           int
	idle            time.Duration
	enabled         bool
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	trustedProxies  []*net.IPNet
	cleanupInterval time.Duration
}

// NewRateLimitMiddleware creates a new rate limit middleware
func NewRateLimitMiddleware(config RateLimitConfig) *RateLimitMiddleware {
	if !config.Enabled {
		return &RateLimitMiddleware{}
	}

	rps := config.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := config.Burst
	if burst <= 0 {
		burst = 20
	}

	rl := &RateLimitMiddleware{
		clients:         make(map[string]*clientLimiter),
		rate:            rate.Limit(rps),
		burst:           burst,
		idle:            10 * time.Minute,
		enabled:         true,
		stopCleanup:     make(chan struct{}),
		trustedProxies:  parseTrustedProxies(config.TrustedProxies),
		cleanupInterval: 5 * time.Minute,
	}
	go rl.cleanupLoop()
	return rl
}

func parseTrustedProxies(proxies []string) []*net.IPNet {
	var nets []*net.IPNet
	for _, p := range proxies {
		if strings.Contains(p, "/") {
			if _, cidr, err := net.ParseCIDR(p); err == nil {
				nets = append(nets, cidr)
			}
			continue
		}
		ip := net.ParseIP(p)
		if ip == nil {
			continue
		}
		bits := 128
		if ip.To4() != nil {
			ip = ip.To4()
			bits = 32
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets
}

// Stop stops the rate limiter cleanup goroutine
func (rl *RateLimitMiddleware) Stop() {
	if !rl.enabled {
		return
	}
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

func (rl *RateLimitMiddleware) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			rl.evictIdle(now)
		case <-rl.stopCleanup:
			return
		}
	}
}

func (rl *RateLimitMiddleware) evictIdle(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, c := range rl.clients {
		if now.Sub(c.lastSeen) > rl.idle {
			delete(rl.clients, ip)
		}
	}
}

func (rl *RateLimitMiddleware) allow(ip string, now time.Time) bool {
	rl.mu.Lock()
	c, ok := rl.clients[ip]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.clients[ip] = c
	}
	c.lastSeen = now
	rl.mu.Unlock()

	return c.limiter.AllowN(now, 1)
}

// clientIP returns the direct peer, or the rightmost untrusted
// X-Forwarded-For hop when the peer is a trusted proxy.
func clientIP(r *http.Request, trusted []*net.IPNet) string {
	remoteIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		remoteIP = r.RemoteAddr
	}

	if len(trusted) == 0 || !isTrustedProxy(remoteIP, trusted) {
		return remoteIP
	}

	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		hops := strings.Split(forwarded, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop != "" && !isTrustedProxy(hop, trusted) {
				return hop
			}
		}
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return remoteIP
}

func isTrustedProxy(ipStr string, trusted []*net.IPNet) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, cidr := range trusted {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// Limit applies rate limiting
func (rl *RateLimitMiddleware) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.enabled {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.allow(clientIP(r, rl.trustedProxies), time.Now()) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LoggingMiddleware logs each request at debug, and server errors at warn.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapper := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapper, r)

			level := slog.LevelDebug
			if wrapper.statusCode >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "api_request",
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
				"status", wrapper.statusCode,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
