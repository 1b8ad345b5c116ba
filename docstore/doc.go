// Package docstore is a small schemaless document store client.
//
// A Store combines a Backend, which persists documents grouped in named
// collections, with a Notifier that fans change notifications out to every
// process sharing the backend. Subscriptions re-run their query when a
// relevant change arrives and push the full, ordered result set whenever it
// differs from the one pushed before.
package docstore
