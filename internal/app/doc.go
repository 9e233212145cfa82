// Package app composes the settlement services into a running application.
//
// The package sits above storage, chain access and the individual services
// and wires them together. It is not a business logic layer: lifecycle
// rules live in internal/app/services/, persistence in internal/app/storage/
// and chain access in internal/chain/.
//
//	internal/app/
//	├── application.go      # wiring and lifecycle
//	├── domain/position/    # funding position model and fault taxonomy
//	├── storage/            # store interfaces, memory and postgres backends
//	├── services/           # issuer, confirm, sweeper, minter, watcher,
//	│                       # summary and the pipeline runner
//	├── httpapi/            # REST handlers
//	├── metrics/            # Prometheus collectors
//	└── system/             # service lifecycle manager
//
// Services receive store interfaces, a chain client slice and a logger; the
// Application owns their construction order and the start/stop sequence.
package app
