package main

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/Mindburn-Labs/agentwallet/pkg/delegatee"
	"github.com/Mindburn-Labs/agentwallet/pkg/intent"
	"github.com/Mindburn-Labs/agentwallet/pkg/policy"
	"github.com/Mindburn-Labs/agentwallet/pkg/registry"
	"github.com/Mindburn-Labs/agentwallet/pkg/tooling"
)

type policyView struct {
	Delegatee string        `json:"delegatee,omitempty"`
	Version   string        `json:"version"`
	Enabled   bool          `json:"enabled"`
	Encoded   string        `json:"encoded"`
	Values    policy.Values `json:"values,omitempty"`
}

func newPolicyView(rec registry.PolicyRecord, values policy.Values) *policyView {
	v := &policyView{Version: rec.Version, Enabled: rec.Enabled, Encoded: hexutil.Encode(rec.Policy), Values: values}
	if rec.Delegatee != (common.Address{}) {
		v.Delegatee = rec.Delegatee.Hex()
	}
	return v
}

type toolView struct {
	IPFSCID     string      `json:"ipfsCid"`
	Name        string      `json:"name,omitempty"`
	Description string      `json:"description,omitempty"`
	Policy      *policyView `json:"policy,omitempty"`
}

func newToolView(e delegatee.Entry) toolView {
	v := toolView{IPFSCID: e.CID}
	var codec *policy.Schema
	if e.Tool != nil {
		v.Name, v.Description = e.Tool.Name, e.Tool.Description
		codec = e.Tool.PolicyCodec()
	}
	if e.Policy != nil {
		var values policy.Values
		if codec != nil {
			// undecodable bytes are still shown encoded
			values, _ = codec.Decode(e.Policy.Policy)
		}
		v.Policy = newPolicyView(*e.Policy, values)
	}
	return v
}

// classificationView renders all four classes, empty ones included.
func classificationView(c *delegatee.Classification) map[string][]toolView {
	out := make(map[string][]toolView, 4)
	for class, entries := range map[delegatee.Class][]delegatee.Entry{
		delegatee.WithPolicy:           c.WithPolicy(),
		delegatee.WithoutPolicy:        c.WithoutPolicy(),
		delegatee.UnknownWithPolicy:    c.UnknownWithPolicy(),
		delegatee.UnknownWithoutPolicy: c.UnknownWithoutPolicy(),
	} {
		views := make([]toolView, 0, len(entries))
		for _, e := range entries {
			views = append(views, newToolView(e))
		}
		out[class.String()] = views
	}
	return out
}

func storedPolicyView(p *delegatee.Policy) any {
	if p == nil {
		return map[string]any{"policy": nil}
	}
	return newPolicyView(p.Record, p.Values)
}

type catalogToolView struct {
	IPFSCID     string          `json:"ipfsCid"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Network     string          `json:"network"`
	Parameters  []tooling.Param `json:"parameters"`
	Policy      []policy.Field  `json:"policy"`
}

func newCatalogToolView(t *tooling.Tool) catalogToolView {
	return catalogToolView{
		IPFSCID:     t.IPFSCID,
		Name:        t.Name,
		Description: t.Description,
		Network:     t.Network,
		Parameters:  t.Parameters(),
		Policy:      t.PolicyCodec().Fields(),
	}
}

type matchView struct {
	Tool          *catalogToolView `json:"tool"`
	Reasoning     string           `json:"reasoning"`
	FoundParams   map[string]any   `json:"foundParams"`
	MissingParams []string         `json:"missingParams"`
}

func newMatchView(m *intent.Match) matchView {
	v := matchView{Reasoning: m.Reasoning, FoundParams: m.FoundParams, MissingParams: m.MissingParams}
	if m.Tool != nil {
		t := newCatalogToolView(m.Tool)
		v.Tool = &t
	}
	if v.FoundParams == nil {
		v.FoundParams = map[string]any{}
	}
	if v.MissingParams == nil {
		v.MissingParams = []string{}
	}
	return v
}
