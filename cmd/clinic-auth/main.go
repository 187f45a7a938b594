// Command clinic-auth runs the clinic request-authentication service and
// its maintenance tasks.
package main

import "github.com/StricklySoft/clinic-auth/cmd/clinic-auth/cmd"

func main() {
	cmd.Execute()
}
