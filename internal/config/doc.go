// Package config loads the gateway's HCL configuration.
//
// A minimal file:
//
//	gateway_id     = "gw-01"
//	check_interval = 60
//	client_timeout = 5
//
//	gateway {
//	  interface = "br-lan"
//	  address   = "192.168.1.1"
//	}
//
//	auth_server "primary" {
//	  hostname = "auth.example.com"
//	  ssl      = true
//	}
//
// Omitting every auth_server block runs the gateway in local-only mode: no
// remote authorization, clients are only aged out on inactivity.
//
// String attributes may call env("NAME") to read the process environment.
package config
