package evm

import (
	"fmt"
	"sort"
)

// Flavor describes what an execution client accepts, so the connector can
// adapt without string-matching node names throughout the code.
type Flavor struct {
	// Name is the canonical identifier, e.g. "geth".
	Name string

	// RequiresLegacyTx forces legacy (type 0) transactions.
	RequiresLegacyTx bool
}

var flavors = map[string]Flavor{
	"geth":         {Name: "geth"},
	"anvil":        {Name: "anvil"},
	"besu":         {Name: "besu"},
	"reth":         {Name: "reth"},
	"op-reth":      {Name: "op-reth"},
	"gravity-reth": {Name: "gravity-reth"},
	"cdk-erigon":   {Name: "cdk-erigon", RequiresLegacyTx: true},
}

// LookupFlavor returns the named flavor. An empty name means "geth".
func LookupFlavor(name string) (Flavor, error) {
	if name == "" {
		name = "geth"
	}
	f, ok := flavors[name]
	if !ok {
		return Flavor{}, fmt.Errorf("unknown execution client flavor %q (known: %v)", name, FlavorNames())
	}
	return f, nil
}

// FlavorNames returns the known flavor names, sorted.
func FlavorNames() []string {
	names := make([]string, 0, len(flavors))
	for n := range flavors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
