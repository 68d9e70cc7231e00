package domain

import "fmt"

// TieBreak picks the canonical record when two operational records with the
// same fingerprint are merged automatically.
type TieBreak string

const (
	// TieBreakOriginNode keeps the record created by the lexically lower
	// origin node, then the lower global id.
	TieBreakOriginNode TieBreak = "origin_node"
	// TieBreakEarliestCreated keeps the record created first, then the lower
	// global id.
	TieBreakEarliestCreated TieBreak = "earliest_created"
)

// DefaultTieBreak is the configured default; MERGE_TIE_BREAK overrides it.
const DefaultTieBreak = TieBreakOriginNode

func ParseTieBreak(s string) (TieBreak, error) {
	switch TieBreak(s) {
	case "":
		return DefaultTieBreak, nil
	case TieBreakOriginNode, TieBreakEarliestCreated:
		return TieBreak(s), nil
	default:
		return "", fmt.Errorf("unknown tie-break %q", s)
	}
}

// Winner returns whichever of a and b survives under t. The result does not
// depend on argument order.
func (t TieBreak) Winner(a, b *Record) *Record {
	switch t {
	case TieBreakEarliestCreated:
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if a.CreatedAt.Before(b.CreatedAt) {
				return a
			}
			return b
		}
	default:
		if a.OriginNode != b.OriginNode {
			if a.OriginNode < b.OriginNode {
				return a
			}
			return b
		}
	}
	if a.GlobalID < b.GlobalID {
		return a
	}
	return b
}
