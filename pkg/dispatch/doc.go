// Package dispatch provides the cooperative serial executor that all core
// protocol state runs on.
//
// Every state transition, observer registration, observer invocation, timer
// fire, and completion dispatch is executed on a single Queue. Transport,
// crypto, and token-provider callbacks must hop onto the queue before touching
// core state; atomicity follows from run-to-completion of each task, so no
// component holds a lock around protocol state.
package dispatch
