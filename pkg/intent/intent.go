// Package intent matches a free-text request to one of a delegatee's
// permitted tools and extracts its parameters.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/Mindburn-Labs/agentwallet/pkg/credentials"
	"github.com/Mindburn-Labs/agentwallet/pkg/errs"
	"github.com/Mindburn-Labs/agentwallet/pkg/llm"
	"github.com/Mindburn-Labs/agentwallet/pkg/tooling"
)

// Match is the matcher's verdict. Tool is nil when nothing fits.
type Match struct {
	Tool          *tooling.Tool
	Reasoning     string
	FoundParams   map[string]any
	MissingParams []string
}

// Matcher picks a tool among candidates for text.
type Matcher interface {
	AnalyzeIntentAndMatchTool(ctx context.Context, text string, candidates []*tooling.Tool) (*Match, error)
}

// LLMMatcher asks a chat model to choose.
type LLMMatcher struct {
	Client llm.Completer
	Seed   int64
}

var _ Matcher = (*LLMMatcher)(nil)

// NewOpenAIMatcher uses the API key stored in kv, falling back to apiKey.
func NewOpenAIMatcher(ctx context.Context, kv credentials.KV, apiKey, model, baseURL string) (*LLMMatcher, error) {
	if kv != nil {
		stored, err := credentials.GetAPIKey(ctx, kv, credentials.KeyOpenAIAPIKey)
		switch {
		case err == nil:
			apiKey = stored
		case !errs.Is(err, errs.KindMissingCredential):
			return nil, err
		}
	}
	if apiKey == "" {
		return nil, errs.MissingCredential("intent.openai", credentials.KeyOpenAIAPIKey)
	}
	return &LLMMatcher{Client: llm.NewOpenAI(apiKey, model, baseURL)}, nil
}

type candidate struct {
	IPFSCID     string          `json:"ipfsCid"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []tooling.Param `json:"parameters"`
}

type verdict struct {
	MatchedToolIPFSCID *string        `json:"matchedToolIpfsCid"`
	Reasoning          string         `json:"reasoning"`
	FoundParams        map[string]any `json:"foundParams"`
}

const systemPrompt = `You route a user's request to exactly one tool, or none.
Answer with a JSON object: {"matchedToolIpfsCid": string or null, "reasoning": string, "foundParams": object}.
Only use an ipfsCid from the tool list. Only put parameters in foundParams whose values the request states explicitly.

Tools:
%s`

// Normalize returns text in NFC with surrounding space removed.
func Normalize(text string) string {
	return strings.TrimSpace(norm.NFC.String(text))
}

func (m *LLMMatcher) AnalyzeIntentAndMatchTool(ctx context.Context, text string, candidates []*tooling.Tool) (*Match, error) {
	const op = "intent.match"
	text = Normalize(text)
	if text == "" {
		return nil, errs.Validation(op, "intent text is empty")
	}
	if len(candidates) == 0 {
		return &Match{Reasoning: "no tools are permitted for this key"}, nil
	}

	byCID := make(map[string]*tooling.Tool, len(candidates))
	list := make([]candidate, 0, len(candidates))
	for _, t := range candidates {
		byCID[t.IPFSCID] = t
		list = append(list, candidate{IPFSCID: t.IPFSCID, Name: t.Name, Description: t.Description, Parameters: t.Parameters()})
	}
	tools, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("intent: encode candidates: %w", err)
	}

	reply, err := m.Client.Complete(ctx, llm.Request{
		Turns:      []llm.Turn{llm.System(fmt.Sprintf(systemPrompt, tools)), llm.User(text)},
		Seed:       m.Seed,
		JSONObject: true,
	})
	if err != nil {
		return nil, err
	}

	var v verdict
	if err := json.Unmarshal([]byte(reply), &v); err != nil {
		return nil, errs.Remote(op, fmt.Errorf("intent: model reply is not the expected JSON: %w", err))
	}
	match := &Match{Reasoning: v.Reasoning, FoundParams: map[string]any{}}
	if v.MatchedToolIPFSCID == nil || *v.MatchedToolIPFSCID == "" {
		return match, nil
	}
	tool, ok := byCID[*v.MatchedToolIPFSCID]
	if !ok {
		slog.Default().With("component", "intent").WarnContext(ctx, "model chose a tool outside the candidates",
			"tool", *v.MatchedToolIPFSCID)
		match.Reasoning = fmt.Sprintf("model chose unknown tool %s: %s", *v.MatchedToolIPFSCID, v.Reasoning)
		return match, nil
	}

	match.Tool = tool
	for _, p := range tool.Parameters() {
		val, found := v.FoundParams[p.Name]
		if found && val != nil && val != "" {
			match.FoundParams[p.Name] = val
			continue
		}
		if p.Required {
			match.MissingParams = append(match.MissingParams, p.Name)
		}
	}
	return match, nil
}
