// Package flowgate provides an embeddable approval workflow engine.
//
// The engine executes approval processes defined declaratively (for example
// in YAML) and comes with pluggable service layers such as:
//
//   - engine     – orchestration of process instances
//   - step       – dispatching approval requests and collecting responses
//   - escalation – time-driven escalation of overdue steps
//   - resolver   – turning approver declarations into identities
//
// Flowgate is designed to be embedded in host applications.  End-users
// typically interact with the engine via the high-level Service façade
// exposed by the root package:
//
//	srv := flowgate.New()
//	rt := srv.Runtime()
//	def, _ := rt.DeployYAML(ctx, data)
//	inst, wait, _ := rt.StartProcess(ctx, def.Name, input, "alice")
//	final, _ := wait(ctx, time.Minute)
//
// For more details see the individual sub-packages.
package flowgate
