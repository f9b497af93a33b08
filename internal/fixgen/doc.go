// Package fixgen turns detected failure patterns into reviewable fix
// proposals.
//
// For each pattern the generator assembles context from two sources: prior
// remediates edges in the knowledge graph (what has been tried for this cause
// and how often it worked) and similarity-search snippets from the vector
// store. A generative backend receives that context and must answer with a
// single JSON object matching the proposal schema; any timeout, transport
// failure, or unparseable answer falls back to a static per-pattern rule
// table with fixed conservative confidence.
//
// Confidence is never taken from the backend. Generated proposals derive it
// from evidence volume and historical success rate; proposals with no prior
// evidence are capped low regardless of how confident the backend sounds.
// Every proposal carries a rollback action and is validated before it leaves
// this package.
package fixgen
