// Package config loads the wsbroker.json file used by the wsbroker command.
//
// # Configuration File Structure
//
//	{
//	  "hostname": "localhost",
//	  "webDir": "public",
//	  "port": 8080,
//	  "tls": {
//	    "port": 8443,
//	    "cert": "certs/server.pem",
//	    "key": "certs/server.key"
//	  },
//	  "limits": {
//	    "maxConnections": 64,
//	    "maxFrameSize": 4096,
//	    "inboundCapacity": 100,
//	    "outboundCapacity": 100,
//	    "maxMessageSize": 1048576,
//	    "serviceTimeout": "1s"
//	  },
//	  "framer": "gorilla",
//	  "wsPath": "/",
//	  "metrics": {
//	    "address": ":9090"
//	  },
//	  "logLevel": "info"
//	}
//
// A port of -1 disables the listener. Relative paths are resolved against
// the directory holding the file.
//
// Environment variables named WSBROKER_* override file values; see ApplyEnv.
//
// # Usage
//
//	cfg, err := config.Load(".")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	srv := webserver.New(webserver.WithOptions(cfg.ServerOptions()))
package config
