package consensus

import (
	"strings"

	"github.com/agenthub/hive/pkg/blob"
	"github.com/agenthub/hive/pkg/types"
)

// ResolveFromValue resolves votes carried in a context value or message
// body: either a blob ref envelope pointing at the vote set, or the
// votes JSON inline. unsupportedCode names the source kind in the error
// when the value is neither.
func (r *Resolver) ResolveFromValue(proposalID, requestingAgent, value, unsupportedCode string, opts Options) (*Result, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, types.NewError(unsupportedCode, "votes source is empty")
	}

	if hash, _, ok := blob.ParseRef(value); ok {
		return r.ResolveFromBlob(proposalID, requestingAgent, hash, opts)
	}
	if strings.HasPrefix(value, "[") || strings.HasPrefix(value, "{") {
		votes, err := parseVotesJSON(value)
		if err != nil {
			return nil, types.NewError(unsupportedCode, "votes source is not a vote array, wrapper object or blob ref")
		}
		return r.Resolve(proposalID, requestingAgent, votes, opts)
	}
	return nil, types.NewError(unsupportedCode, "votes source is not a vote array, wrapper object or blob ref")
}
