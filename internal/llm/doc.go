// Package llm defines the generative-model boundary used by the intent
// classifier, the planner and response synthesis. Providers implement
// Generator; prompts are fixed templates kept next to the contract so every
// caller formats requests the same way.
package llm
