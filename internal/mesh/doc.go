// Package mesh negotiates WebRTC connections with every other peer in a
// mesh, using the rendezvous hub only to exchange offers, answers and ICE
// candidates.
//
// Glare is resolved with the "perfect negotiation" pattern. Each pair of
// peers agrees up front, via the roster the hub hands out, which side is
// polite. Only the impolite side ever creates offers. If an offer still
// collides with local negotiation, the impolite side drops it and the polite
// side rolls back and answers.
//
// All peer state is owned by a single event loop (Manager.Run). Signaling
// messages, transport events, engine callbacks and API calls are queued and
// applied in order, so no two handlers for the same peer ever run
// concurrently.
package mesh
