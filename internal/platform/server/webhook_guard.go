package server

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/venturahub/creditd/internal/platform/audit"
	"github.com/venturahub/creditd/internal/platform/clock"
)

// WebhookGuard restricts the payment webhook to the provider's source
// networks. With no configured CIDRs the guard is open, since settlement
// is idempotent and the webhook carries no trusted payload; when networks
// are known, everything else is refused and the refusal is audited.
type WebhookGuard struct {
	Clock      clock.Clock
	AuditStore *audit.InMemoryStore

	trusted []*net.IPNet
	mu      sync.Mutex
	nextID  int64
}

func NewWebhookGuard(clk clock.Clock, store *audit.InMemoryStore, cidrs []string) (*WebhookGuard, error) {
	trusted := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("invalid webhook cidr %q: %w", c, err)
		}
		trusted = append(trusted, ipnet)
	}
	return &WebhookGuard{Clock: clk, AuditStore: store, trusted: trusted}, nil
}

func (g *WebhookGuard) now() time.Time {
	if g.Clock == nil {
		return time.Now().UTC()
	}
	return g.Clock.Now().UTC()
}

func sourceIP(r *http.Request) string {
	xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		return host
	}
	return strings.TrimSpace(r.RemoteAddr)
}

func (g *WebhookGuard) isTrusted(ipStr string) bool {
	if len(g.trusted) == 0 {
		return true
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range g.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (g *WebhookGuard) appendAudit(path, ip, outcome, reason string) {
	if g.AuditStore == nil {
		return
	}
	g.mu.Lock()
	g.nextID++
	id := "webhook-guard-" + strconv.FormatInt(g.nextID, 10)
	g.mu.Unlock()
	now := g.now()
	res := audit.ResultSuccess
	if outcome != "allowed" {
		res = audit.ResultDenied
	}
	_, _ = g.AuditStore.Append(audit.Event{
		AuditID:      id,
		OccurredAt:   now,
		RecordedAt:   now,
		ActorID:      ip,
		ObjectType:   "pix_payment",
		ObjectID:     path,
		Action:       "webhook_" + outcome,
		Before:       []byte(`{}`),
		After:        []byte(`{}`),
		Result:       res,
		Reason:       reason,
		PartitionDay: now.Format("2006-01-02"),
	})
}

func (g *WebhookGuard) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := sourceIP(r)
		if !g.isTrusted(ip) {
			g.appendAudit(r.URL.Path, ip, "denied", "source ip outside provider network")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
