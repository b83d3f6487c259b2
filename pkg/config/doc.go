// Package config loads the pilot server configuration and validates resource
// payloads.
//
// # Server Configuration
//
// ServerConfig is read from YAML over Default, then PILOT_* environment
// variables override secrets and addresses:
//
//	cfg, err := config.Load("/etc/pilot/pilot.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Every section is checked with validator struct tags.
//
// # Payload Schemas
//
// SchemaRegistry holds one CUE #Payload definition per resource kind and is
// handed to the engine dispatcher as its engine.PayloadValidator. Payloads are
// checked before kind defaults are applied, so fields with defaults are
// optional in the schemas. Definitions are closed: unknown fields fail.
//
// # Manifests
//
// CUEParser reads manifests declaring hosts and resources:
//
//	hosts: "web-1": {address: "203.0.113.10", labels: env: "prod"}
//
//	resources: [
//	    {host: "web-1", kind: "firewall_rule", config: port: "3000-3005", install: true},
//	]
//
// Problems inside the documents are collected on Manifest.Errors with file
// positions where CUE provides them.
package config
