package packet

import (
	"fmt"

	"github.com/am6737/packetguard/api"
)

// MaxPacketLen bounds how far a patch may grow a buffer.
const MaxPacketLen = 1 << 21

// ApplyPatches applies patches in order onto a copy of buf. Later patches
// overwrite earlier ones where they overlap.
func ApplyPatches(buf []byte, patches []api.Patch) ([]byte, error) {
	out := make([]byte, len(buf))
	copy(out, buf)
	return applyInPlace(out, patches)
}

// ApplyPatchesInPlace is ApplyPatches for a buffer the caller already owns.
func ApplyPatchesInPlace(buf []byte, patches []api.Patch) ([]byte, error) {
	return applyInPlace(buf, patches)
}

func applyInPlace(out []byte, patches []api.Patch) ([]byte, error) {
	for i, p := range patches {
		if p.Offset < 0 || p.Offset > len(out) {
			return nil, fmt.Errorf("patch %d: offset %d outside packet of %d bytes", i, p.Offset, len(out))
		}
		end := p.Offset + len(p.Data)
		if end > MaxPacketLen {
			return nil, fmt.Errorf("patch %d: packet would exceed %d bytes", i, MaxPacketLen)
		}
		if end > len(out) {
			out = append(out, make([]byte, end-len(out))...)
		}
		copy(out[p.Offset:end], p.Data)
		if p.Truncate {
			out = out[:end]
		}
	}
	return out, nil
}
