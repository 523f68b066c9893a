// Package validator is the security policy engine applied to every proposed
// tool action. Checks run in a fixed order and the first failure wins:
// existence and enabled flag, parameter schema, rate limit, allow and block
// lists, and finally the confirmation level, which is only ever raised.
package validator
