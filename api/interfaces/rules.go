package interfaces

import (
	"context"

	"github.com/am6737/packetguard/api"
	"github.com/am6737/packetguard/script"
	"github.com/am6737/packetguard/transport/packet"
)

// FilterEngine compiles filter sources and runs them against packet views.
type FilterEngine interface {
	// Compile returns a reusable program or an *api.CompileError.
	Compile(ruleID, source string) (*script.Program, error)

	// Execute runs one program under the given budget. It always
	// produces exactly one verdict and never panics.
	Execute(ctx context.Context, p *script.Program, view *packet.View, budget script.Budget) api.Verdict

	// Prune forgets cached programs of rules not listed in keep.
	Prune(keep map[string]struct{})
}
