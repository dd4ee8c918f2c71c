// Package main is a placeholder for the query-side HTTP API.
//
// The cep-service bounded context is a worker-only pipeline: events flow
// in through the broker and out through the cold store, with no external
// collaborator needing a synchronous request/response surface. A read API
// over mono_events/multi_events (REST over ports.ColdStore.QueryMono/
// QueryMulti) is a natural next surface but is not part of this worker's
// scope, so this entrypoint intentionally does nothing but report that.
package main

import "log"

func main() {
	log.Println("cep-service has no HTTP API; run cmd/worker instead")
}
