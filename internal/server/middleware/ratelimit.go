package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter ограничивает частоту запросов по ключу (IP клиента).
// Каждый ключ получает token bucket на requests запросов за window.
type RateLimiter struct {
	visitors map[string]*visitor
	logger   *slog.Logger
	stop     chan struct{}
	limit    rate.Limit
	idle     time.Duration
	window   time.Duration
	burst    int
	mu       sync.Mutex
	stopOnce sync.Once
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter создает limiter на requests запросов за window
// и запускает фоновую очистку неактивных ключей.
func NewRateLimiter(requests int, window time.Duration, logger *slog.Logger) *RateLimiter {
	if requests < 1 {
		requests = 1
	}
	rl := &RateLimiter{
		visitors: make(map[string]*visitor),
		logger:   logger,
		stop:     make(chan struct{}),
		limit:    rate.Every(window / time.Duration(requests)),
		burst:    requests,
		window:   window,
		idle:     2 * window,
	}

	go rl.cleanup()

	return rl
}

// Allow сообщает, можно ли пропустить запрос для key
func (rl *RateLimiter) Allow(key string) bool {
	return rl.reserve(key, time.Now())
}

func (rl *RateLimiter) reserve(key string, now time.Time) bool {
	rl.mu.Lock()
	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = now
	rl.mu.Unlock()

	return v.limiter.AllowN(now, 1)
}

// RetryAfter - сколько секунд ждать, пока появится хотя бы один токен
func (rl *RateLimiter) RetryAfter() int {
	per := time.Duration(float64(time.Second) / float64(rl.limit))
	return int(math.Ceil(per.Seconds()))
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.idle)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			rl.evict(now)
		case <-rl.stop:
			return
		}
	}
}

// evict удаляет ключи без запросов дольше idle
func (rl *RateLimiter) evict(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for key, v := range rl.visitors {
		if now.Sub(v.lastSeen) >= rl.idle {
			delete(rl.visitors, key)
			removed++
		}
	}
	return removed
}

// Stop останавливает фоновую очистку
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Middleware отвечает 429 с Retry-After, когда лимит исчерпан
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.admit(w, r) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) admit(w http.ResponseWriter, r *http.Request) bool {
	key := clientIP(r)
	if rl.Allow(key) {
		return true
	}

	rl.logger.WarnContext(r.Context(), "Rate limit exceeded",
		"ip", key,
		"method", r.Method,
		"path", r.URL.Path,
	)

	w.Header().Set("Retry-After", strconv.Itoa(rl.RetryAfter()))
	writeError(w, http.StatusTooManyRequests, "rate limit exceeded, please try again later")
	return false
}

// PathRateLimit задает отдельный лимит для пути
type PathRateLimit struct {
	Path     string
	Window   time.Duration
	Requests int
}

// PathRateLimiter применяет к каждому пути свой RateLimiter, остальным - общий
type PathRateLimiter struct {
	limiters map[string]*RateLimiter
	fallback *RateLimiter
}

// NewPathRateLimiter создает limiter с кастомными лимитами для путей
func NewPathRateLimiter(limits []PathRateLimit, fallback PathRateLimit, logger *slog.Logger) *PathRateLimiter {
	p := &PathRateLimiter{
		limiters: make(map[string]*RateLimiter, len(limits)),
		fallback: NewRateLimiter(fallback.Requests, fallback.Window, logger),
	}
	for _, l := range limits {
		p.limiters[l.Path] = NewRateLimiter(l.Requests, l.Window, logger)
	}
	return p
}

// Middleware выбирает limiter по пути запроса
func (p *PathRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter, ok := p.limiters[r.URL.Path]
		if !ok {
			limiter = p.fallback
		}
		if !limiter.admit(w, r) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Stop останавливает все limiters
func (p *PathRateLimiter) Stop() {
	p.fallback.Stop()
	for _, l := range p.limiters {
		l.Stop()
	}
}

// clientIP извлекает IP клиента. X-Forwarded-For и X-Real-IP учитываются
// для работы за прокси; порт из RemoteAddr отбрасывается.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
