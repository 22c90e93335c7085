// Package httpprobe определяет состояние сети по сетевым интерфейсам и HTTP-пробе.
package httpprobe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/iudanet/sessionguard/internal/client/connectivity"
)

var _ connectivity.Source = (*Source)(nil)

// Source implements connectivity.Source
type Source struct {
	client     *http.Client
	logger     *slog.Logger
	interfaces func() ([]net.Interface, error)
	url        string
	interval   time.Duration
}

// Option настраивает Source
type Option func(*Source)

// WithHTTPClient overrides the probe client
func WithHTTPClient(c *http.Client) Option {
	return func(s *Source) {
		s.client = c
	}
}

// WithInterfaces overrides interface discovery (для тестов)
func WithInterfaces(fn func() ([]net.Interface, error)) Option {
	return func(s *Source) {
		s.interfaces = fn
	}
}

// New creates a source probing url every interval. An empty url leaves
// reachability unknown.
func New(url string, interval time.Duration, logger *slog.Logger, opts ...Option) *Source {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Source{
		url:        url,
		interval:   interval,
		logger:     logger,
		client:     &http.Client{Timeout: 3 * time.Second},
		interfaces: net.Interfaces,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Fetch inspects local interfaces and probes the health URL
func (s *Source) Fetch(ctx context.Context) (connectivity.Snapshot, error) {
	ifaces, err := s.interfaces()
	if err != nil {
		return connectivity.Snapshot{}, fmt.Errorf("failed to list interfaces: %w", err)
	}

	linkType, ok := activeLink(ifaces)
	if !ok {
		return connectivity.Snapshot{
			IsConnected:         connectivity.False,
			IsInternetReachable: connectivity.False,
			Type:                connectivity.TypeNone,
		}, nil
	}

	snapshot := connectivity.Snapshot{
		IsConnected: connectivity.True,
		Type:        linkType,
		IsExpensive: linkType == connectivity.TypeCellular,
	}

	if s.url != "" {
		snapshot.IsInternetReachable = connectivity.FromBool(s.probe(ctx))
	}

	return snapshot, nil
}

// Watch polls Fetch every interval and passes each result to fn
func (s *Source) Watch(ctx context.Context, fn func(connectivity.Snapshot)) (func(), error) {
	if s.interval <= 0 {
		return nil, fmt.Errorf("invalid probe interval %s", s.interval)
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snapshot, err := s.Fetch(ctx)
				if err != nil {
					s.logger.Debug("connectivity poll failed", "error", err)
					continue
				}
				fn(snapshot)
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}, nil
}

// probe считает интернет доступным, если сервер вообще ответил
func (s *Source) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		s.logger.Warn("invalid probe url", "url", s.url, "error", err)
		return false
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Debug("probe failed", "url", s.url, "error", err)
		return false
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	return true
}

// activeLink выбирает самый "дешевый" из поднятых не-loopback интерфейсов
func activeLink(ifaces []net.Interface) (connectivity.ConnectionType, bool) {
	best := connectivity.ConnectionType("")
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		t := TypeOf(iface.Name)
		if best == "" || rank(t) < rank(best) {
			best = t
		}
	}

	return best, best != ""
}

// TypeOf guesses the link type from an interface name
func TypeOf(name string) connectivity.ConnectionType {
	switch {
	case strings.HasPrefix(name, "wl"):
		return connectivity.TypeWiFi
	case strings.HasPrefix(name, "en"), strings.HasPrefix(name, "eth"):
		return connectivity.TypeEthernet
	case strings.HasPrefix(name, "wwan"), strings.HasPrefix(name, "rmnet"), strings.HasPrefix(name, "ppp"):
		return connectivity.TypeCellular
	default:
		return connectivity.TypeUnknown
	}
}

func rank(t connectivity.ConnectionType) int {
	switch t {
	case connectivity.TypeEthernet:
		return 0
	case connectivity.TypeWiFi:
		return 1
	case connectivity.TypeUnknown:
		return 2
	default:
		return 3
	}
}
