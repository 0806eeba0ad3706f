// Package engine is the callback-driven I/O layer under the broker.
//
// An Engine owns listeners and connections and reports what happens to them
// as Events passed to a single Handler. Every callback runs on the goroutine
// that calls Service, so the handler can keep per-connection state without
// locks. Only Cancel may be called from other goroutines.
//
// # Events
//
//	Established  a connection completed its upgrade; an error rejects it
//	Receive      one inbound fragment with its First and Final flags
//	Writable     a RequestWritable slot is ready for exactly one Write
//	Closed       the connection is gone (never sent for rejected ones)
//
// # HTTP engine
//
// NewHTTP serves static files from Config.WebDir and upgrades websocket
// requests on Config.WebSocketPath, on a plaintext port, a TLS port, or both.
// Two framers are available:
//
//	gorilla  gorilla/websocket; inbound messages re-chunked at MaxFrameSize
//	gobwas   gobwas/ws; fragments keep their frame boundaries both ways
//
// Each connection has a reader goroutine feeding a bounded event channel and
// a keepalive goroutine sending pings. Writes happen on the Service goroutine.
//
// # Usage
//
//	eng, err := engine.NewHTTP(engine.Config{Port: 8080, WebDir: "public"}, handle)
//	if err != nil {
//	    return err
//	}
//	defer eng.Destroy()
//	if err := eng.Listen(ctx); err != nil {
//	    return err
//	}
//	for ctx.Err() == nil {
//	    if err := eng.Service(time.Second); err != nil {
//	        return err
//	    }
//	}
//
// Package enginetest provides a scripted Engine for tests without sockets.
package engine
