// Package configs provides the embedded configuration template shipped
// with every build. `ragsync config init` writes it next to the data
// dir so operators start from a commented file instead of a blank one.
package configs

import _ "embed"

// ExampleConfig is the commented default configuration template.
//
//go:embed config.example.yaml
var ExampleConfig []byte
