// Package policy provides optional declarative rules that can be applied on
// top of a running flowgate engine – for example to auto-decide selected
// approval nodes or to block dispatching for others.
package policy
