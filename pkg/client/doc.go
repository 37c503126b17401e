// Package client is the Go SDK for the ledgerd operations API.
//
// ledgerd exposes the state ledger read-only: every write goes through
// ledgerctl or an embedding service. The client covers inspection.
//
//	c, err := client.New("http://localhost:8080", client.WithCacheTTL(time.Minute))
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// # Integrity checks
//
// Verify asks the server to re-hash and re-verify every state of a context.
// A failed check is reported as Valid == false with an opaque error; details
// are only in the server log.
//
//	r, err := c.Verify(ctx, "STATION-1|STATION-2")
//
// # Balances
//
// Balance returns a party's position per currency in minor units. Balance is
// outgoing minus incoming.
//
//	b, err := c.Balance(ctx, "STATION-1", client.Filter{Currency: "USD"})
//
// # Decisions
//
// Decision returns the entity that decided a cost request, or ErrNotFound
// while the request is still pending.
package client
