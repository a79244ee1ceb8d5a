/*
Package consensus resolves proposals from agent votes: normalization
and last-vote dedupe, confidence times quality weighting, and the
escalation ladder (token budget, quorum, disagreement) before the
weighted verdict. Decisions persist with their stats and reasons.
*/
package consensus
