// Package buildinfo resolves the Kademlia protocol tag per spec.md §6's
// NETWORK_VERSION_MODE knob, supplementing the distilled spec with the
// source branch-derived tag the original ant-bootstrap build scripts
// compute (see SPEC_FULL.md's "Supplemented features").
package buildinfo

// These are overridden at link time via -ldflags
// "-X github.com/autonomi-go/antcore/internal/buildinfo.SourceBranch=...".
var (
	SourceBranch = "unknown"
	Version      = "dev"
)

// NetworkTag resolves the Kademlia protocol identifier's network-tag
// segment (spec §6: "<network-tag>/kad/<major.minor>"). In "restricted"
// mode the tag is derived from the build's source branch, so protocol
// identifiers from branch builds never collide with the production
// network; any other mode uses literalTag verbatim.
func NetworkTag(versionMode, literalTag string) string {
	if versionMode == "restricted" {
		return "branch-" + SourceBranch
	}
	return literalTag
}
