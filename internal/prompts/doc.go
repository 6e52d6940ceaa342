// Package prompts contains the LLM prompt templates used by Tally.
//
// Prompt text is Go code rather than config files because it is program logic:
// templates use fmt.Sprintf interpolation and can be validated by tests.
// User-facing configuration lives in config.yaml; this package holds the
// instructions we send to models.
//
// Convention: each prompt gets an exported function that accepts the
// dynamic parts and returns the fully interpolated prompt string.
package prompts
