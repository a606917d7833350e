// Package rules holds the rule programs evaluated over the fact store.
package rules

import _ "embed"

// Placement is the default program: input relation declarations plus
// placement and scheduling-constraint rules.
//
//go:embed placement.mg
var Placement string
