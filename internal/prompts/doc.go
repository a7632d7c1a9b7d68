// Package prompts contains the LLM prompt templates used by Patchbay.
//
// Prompt text is Go code rather than config files because it is program
// logic: it benefits from compile-time embedding and can be validated
// by tests. User-facing configuration lives in patchbay.yaml; this
// package holds the instructions sent to models.
//
// Convention: each prompt gets an exported function that accepts the
// dynamic parts and returns the fully interpolated prompt string.
package prompts
