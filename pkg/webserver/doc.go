// Package webserver is a websocket message broker built on an event engine.
//
// A Server keeps a bounded table of live connections, reassembles inbound
// fragments into complete messages and writes outbound messages in chunks no
// larger than Options.MaxFrameSize.
//
// # Goroutines
//
// The loop goroutine owns the engine. Each iteration it waits in
// engine.Engine.Service for at most Options.ServiceTimeout, then schedules every
// message queued by SendMessage. Callers on any goroutine use SendMessage,
// ReceiveMessage, ClientCount and Close. SendMessage wakes the loop goroutine so
// delivery latency does not depend on ServiceTimeout.
//
// # Modes
//
// In poll mode inbound messages wait in a bounded queue for ReceiveMessage. In
// callback mode, selected with SetMessageCallback before Start, a dispatcher
// goroutine calls the callback for each message and ReceiveMessage always
// fails. Panics in the callback are recovered and logged.
//
// # Delivery
//
// Delivery is best effort. A connection writes one message at a time. A
// message for a connection that is still writing an earlier one is dropped for
// that connection, as is an inbound message that finds the inbound queue full.
// Drops are logged and counted in Stats.
//
// Example:
//
//	srv := webserver.New(webserver.WithLogger(logger))
//	srv.SetConfig("localhost", "./www", 8080)
//	srv.SetMessageCallback(func(m webserver.Message) {
//		srv.SendMessage("echo: "+m.Payload, m.ConnectionID)
//	})
//	if err := srv.Start(); err != nil {
//		return err
//	}
//	defer srv.Stop()
package webserver
