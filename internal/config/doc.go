// Package config loads the mtwire server configuration.
//
// The configuration is a TOML file. Every key is optional; missing keys keep
// the values from Default.
//
// # Configuration File Structure
//
//	[server]
//	listen = ":8443"
//	websocket = true
//	read_timeout = "30s"
//	idle_timeout = "5m"
//	write_timeout = "10s"
//	max_connections = 10000
//	shutdown_timeout = "15s"
//
//	[transport]
//	max_frame_size = 16777216
//	variants = ["abridged", "intermediate", "padded", "full"]
//	secret = "00112233445566778899aabbccddeeff"
//	reject_plain = false
//	quick_ack = "encrypted"
//
//	[quic]
//	listen = ":8444"
//	cert_file = "server.crt"
//	key_file = "server.key"
//
//	[admin]
//	listen = "127.0.0.1:9090"
//
//	[capture]
//	location = "s3://mtwire-captures/gw1"
//	max_bytes = 65536
//	retention = "168h"
//	s3_region = "eu-central-1"
//	s3_endpoint = ""
//	s3_path_style = false
//
//	[log]
//	level = "info"
//	format = "text"
//
// # Usage
//
//	cfg, err := config.Load("mtwire.toml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	fmt.Println("Listen:", cfg.Server.Listen)
package config
