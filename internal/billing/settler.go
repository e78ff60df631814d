package billing

import (
	"context"
	"fmt"

	"entitlement-engine/pkg/logging"
)

// Settler performs the platform-specific irreversible settlement call
// (acknowledge on Google Play, finish on the App Store). Implementations must
// tolerate "already settled" responses and report them as success, because
// the engine retries settlement after crashes.
type Settler interface {
	Settle(ctx context.Context, rec PurchaseRecord) error
}

// PlatformSettler routes settlement calls to the adapter registered for the
// record's platform.
type PlatformSettler struct {
	settlers map[string]Settler
}

// NewPlatformSettler creates an empty settler router.
func NewPlatformSettler() *PlatformSettler {
	return &PlatformSettler{settlers: make(map[string]Settler)}
}

// Register binds a settlement adapter to a platform.
func (p *PlatformSettler) Register(platform string, s Settler) {
	p.settlers[platform] = s
	logging.Infof("Registered settlement adapter for platform %s", platform)
}

// Settle dispatches to the platform adapter. A missing adapter is a transient
// configuration problem: the transaction stays verified and the sweep retries
// once an adapter is available.
func (p *PlatformSettler) Settle(ctx context.Context, rec PurchaseRecord) error {
	s, ok := p.settlers[rec.Platform]
	if !ok {
		return fmt.Errorf("no settlement adapter configured for platform %s", rec.Platform)
	}
	return s.Settle(ctx, rec)
}
