// Package node holds the launcher-independent pieces of a node run: the
// immutable RunConfig, workspace preparation, command construction, the
// lifecycle Handle and the readiness Waiter.
package node
