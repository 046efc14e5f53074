// Package hub is the websocket transport between the daemon, the page
// workers that drive the generation site, and control clients.
//
// Workers connect with role=worker and are exposed to the router as tabs
// with integer ids. Control clients connect with role=control and receive
// every emitted message. Inbound frames from either side are handed to the
// dispatcher.
package hub
