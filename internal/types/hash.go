package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// HashProposal computes the cross-node identity of a proposal: a sha256 over
// the canonical fields with any claimed hashes stripped first. Two nodes that
// independently construct the same logical proposal derive the same hash.
func HashProposal(p ProposalPayload) string {
	var sb strings.Builder
	sb.WriteString(p.Submitter)
	sb.WriteByte('|')
	sb.WriteString(p.Type)
	sb.WriteByte('|')
	sb.WriteString(p.Title)
	sb.WriteByte('|')
	sb.WriteString(p.Description)
	sb.WriteByte('|')
	sb.WriteString(p.ItemHash)
	for _, opt := range p.Options {
		fmt.Fprintf(&sb, "|%d:%s", opt.OptionID, opt.Description)
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// HashProposalOption derives a per-option hash from the proposal hash so the
// option identity is stable across nodes.
func HashProposalOption(proposalHash string, optionID uint32, description string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", proposalHash, optionID, description)))
	return hex.EncodeToString(sum[:])
}

// HashOrder computes the content hash of an order derived from an accepted
// bid. Buyer and seller recompute it independently; a mismatch on the buyer
// side is a protocol integrity violation.
func HashOrder(listingHash, bidder, seller string, itemTotal int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d", listingHash, bidder, seller, itemTotal)))
	return hex.EncodeToString(sum[:])
}
