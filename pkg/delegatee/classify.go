package delegatee

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Mindburn-Labs/agentwallet/pkg/registry"
	"github.com/Mindburn-Labs/agentwallet/pkg/tooling"
)

// Class is where a permitted tool lands.
type Class int

const (
	WithPolicy Class = iota
	WithoutPolicy
	UnknownWithPolicy
	UnknownWithoutPolicy
)

func (c Class) String() string {
	switch c {
	case WithPolicy:
		return "withPolicy"
	case WithoutPolicy:
		return "withoutPolicy"
	case UnknownWithPolicy:
		return "unknownWithPolicy"
	case UnknownWithoutPolicy:
		return "unknownWithoutPolicy"
	}
	return "invalid"
}

// Entry is one permitted tool. Tool is nil when the local catalog does not
// know the content address; Policy is nil when none applies.
type Entry struct {
	CID    string                 `json:"ipfsCid"`
	Tool   *tooling.Tool          `json:"-"`
	Policy *registry.PolicyRecord `json:"policy,omitempty"`
}

// Class derives the entry's class.
func (e Entry) Class() Class {
	switch {
	case e.Tool != nil && e.Policy != nil:
		return WithPolicy
	case e.Tool != nil:
		return WithoutPolicy
	case e.Policy != nil:
		return UnknownWithPolicy
	default:
		return UnknownWithoutPolicy
	}
}

// Classification partitions a key's permitted tools into four disjoint
// sets whose union is the permitted set. Unknown tools are kept: a stale
// catalog must not hide an active permission.
type Classification struct {
	sets [4][]Entry
}

func (c *Classification) WithPolicy() []Entry           { return c.sets[WithPolicy] }
func (c *Classification) WithoutPolicy() []Entry        { return c.sets[WithoutPolicy] }
func (c *Classification) UnknownWithPolicy() []Entry    { return c.sets[UnknownWithPolicy] }
func (c *Classification) UnknownWithoutPolicy() []Entry { return c.sets[UnknownWithoutPolicy] }

// All returns every entry ordered by content address.
func (c *Classification) All() []Entry {
	var out []Entry
	for _, s := range c.sets {
		out = append(out, s...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CID < out[j].CID })
	return out
}

// Known returns the catalog tools, the candidates for intent matching.
func (c *Classification) Known() []*tooling.Tool {
	var out []*tooling.Tool
	for _, e := range append(append([]Entry{}, c.sets[WithPolicy]...), c.sets[WithoutPolicy]...) {
		out = append(out, e.Tool)
	}
	return out
}

// Lookup finds cid and its class.
func (c *Classification) Lookup(cid string) (Entry, Class, bool) {
	for class, s := range c.sets {
		for _, e := range s {
			if e.CID == cid {
				return e, Class(class), true
			}
		}
	}
	return Entry{}, 0, false
}

// ApplicablePolicy picks the policy that governs delegatee for cid: its
// own, else the key-wide one. With a zero delegatee any policy for cid
// counts, the delegatee-specific ones first.
func ApplicablePolicy(policies []registry.PolicyRecord, cid string, delegatee common.Address) *registry.PolicyRecord {
	var keyWide, other *registry.PolicyRecord
	for i := range policies {
		p := &policies[i]
		if p.ToolCID != cid {
			continue
		}
		switch {
		case p.Delegatee == delegatee && delegatee != (common.Address{}):
			return p
		case p.Delegatee == (common.Address{}):
			keyWide = p
		case delegatee == (common.Address{}) && other == nil:
			other = p
		}
	}
	if other != nil {
		return other
	}
	return keyWide
}

// Classify builds the classification of permitted for delegatee. Duplicate
// content addresses are collapsed.
func Classify(permitted []string, policies []registry.PolicyRecord, catalog *tooling.Catalog, delegatee common.Address) (*Classification, error) {
	c := &Classification{}
	seen := make(map[string]bool, len(permitted))
	for _, cid := range permitted {
		if seen[cid] {
			continue
		}
		seen[cid] = true
		e := Entry{CID: cid, Policy: ApplicablePolicy(policies, cid, delegatee)}
		if catalog != nil {
			if t, ok := catalog.ByCID(cid); ok {
				e.Tool = t
			}
		}
		c.sets[e.Class()] = append(c.sets[e.Class()], e)
	}
	for i := range c.sets {
		sort.Slice(c.sets[i], func(a, b int) bool { return c.sets[i][a].CID < c.sets[i][b].CID })
	}
	if err := c.check(seen); err != nil {
		return nil, err
	}
	return c, nil
}

// check enforces that the sets are disjoint and cover exactly permitted.
func (c *Classification) check(permitted map[string]bool) error {
	found := make(map[string]Class, len(permitted))
	for class, s := range c.sets {
		for _, e := range s {
			if prev, dup := found[e.CID]; dup {
				return fmt.Errorf("delegatee: tool %s classified as both %s and %s", e.CID, prev, Class(class))
			}
			if e.Class() != Class(class) {
				return fmt.Errorf("delegatee: tool %s filed under %s, is %s", e.CID, Class(class), e.Class())
			}
			found[e.CID] = Class(class)
		}
	}
	for cid := range permitted {
		if _, ok := found[cid]; !ok {
			return fmt.Errorf("delegatee: permitted tool %s is unclassified", cid)
		}
	}
	if len(found) != len(permitted) {
		return fmt.Errorf("delegatee: classified %d tools, %d permitted", len(found), len(permitted))
	}
	return nil
}
