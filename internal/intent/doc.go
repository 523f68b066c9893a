// Package intent classifies an utterance into one of the agent's intent
// types. Regex rules from the policy document answer first; a generative
// model is consulted only when no rule is confident enough.
package intent
