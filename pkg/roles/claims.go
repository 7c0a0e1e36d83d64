package roles

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/ryandielhenn/fabricsync/internal/telemetry"
	"github.com/ryandielhenn/fabricsync/pkg/protocol"
)

// Invitation allows sites to join the fabric by presenting its claim.
type Invitation struct {
	// Claim is the token sites present. A random one is generated when empty.
	Claim string
	// Uses limits how many sites may redeem the invitation; zero is unlimited.
	Uses       int
	Links      []protocol.OutgoingLink
	SiteClient string
}

// Site is a site admitted through a claim.
type Site struct {
	ID    string
	Name  string
	Claim string
}

// Claims is the registry of outstanding invitations.
type Claims struct {
	mu          sync.Mutex
	invitations map[string]*Invitation
	redeemed    map[string]int
	sites       []Site
}

func NewClaims() *Claims {
	return &Claims{
		invitations: make(map[string]*Invitation),
		redeemed:    make(map[string]int),
	}
}

// Add registers inv and returns its claim token.
func (c *Claims) Add(inv Invitation) string {
	if inv.Claim == "" {
		inv.Claim = uuid.NewString()
	}
	inv.Links = slices.Clone(inv.Links)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.invitations[inv.Claim] = &inv
	return inv.Claim
}

// Revoke withdraws an invitation; later redemptions get 404.
func (c *Claims) Revoke(claim string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.invitations, claim)
}

// Redeem admits a site named name. Unknown claims are rejected with 404,
// used up ones with 410.
func (c *Claims) Redeem(_ context.Context, claim, name string) (protocol.ClaimResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	inv, ok := c.invitations[claim]
	if !ok {
		telemetry.ClaimsTotal.WithLabelValues("unknown").Inc()
		return protocol.ClaimResponse{}, &protocol.StatusError{Code: protocol.StatusNotFound, Description: "Not Found"}
	}
	if inv.Uses > 0 && c.redeemed[claim] >= inv.Uses {
		telemetry.ClaimsTotal.WithLabelValues("exhausted").Inc()
		return protocol.ClaimResponse{}, &protocol.StatusError{Code: protocol.StatusGone, Description: "Gone"}
	}
	c.redeemed[claim]++

	site := Site{ID: uuid.NewString(), Name: name, Claim: claim}
	c.sites = append(c.sites, site)
	telemetry.ClaimsTotal.WithLabelValues("ok").Inc()
	return protocol.ClaimResponse{
		SiteID:        site.ID,
		OutgoingLinks: slices.Clone(inv.Links),
		SiteClient:    inv.SiteClient,
	}, nil
}

// Sites lists the admitted sites in order of admission.
func (c *Claims) Sites() []Site {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.sites)
}
