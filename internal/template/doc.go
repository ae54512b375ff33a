// Package template expands parameterized job recipes into concrete jobs.
//
// # Overview
//
// A Template declares typed parameters and a list of step templates whose
// target, value and description fields may contain {token} placeholders.
// The Engine validates supplied parameters (requiredness, type coercion,
// validation patterns), computes derived parameters via a per-template
// DeriveFunc, and substitutes tokens in a single left-to-right pass.
//
// Substitution matches the longest parameter name first so {n} never
// shadows {num}, and never re-expands tokens appearing inside parameter
// values. Tokens in the template text that no parameter resolves abort the
// expansion with ErrUnresolvedToken; braces arriving inside parameter values
// never count. The literal text is preserved in the error for debugging.
//
// Builtin templates (calculator, notepad) register at startup the same way
// caller-provided ones do.
package template
