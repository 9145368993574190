// Package supergraph keeps the gateway's composed GraphQL schema in step with the
// service directory.
//
// Every sync renders the directory into a subgraph config file, runs the external
// composition tool (rover) into a scratch file, and swaps the scratch file over the
// active schema only when its content differs. Unchanged inputs therefore never
// touch the active schema, and downstream watchers reload only on real changes.
//
//	directory ──List──→ supergraph.yaml(.next) ──rover──→ supergraph.graphql(.next)
//	                        swap if changed                 swap if changed
package supergraph
