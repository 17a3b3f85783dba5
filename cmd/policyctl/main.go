// Command policyctl manages policy versions and inspects the audit ledger
// of a running gateway.
package main

import "github.com/policygate/policygate/cmd/policyctl/cmd"

func main() {
	cmd.Execute()
}
