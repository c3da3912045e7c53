// kalpana-core is the authority daemon of the Kalpana desktop and its
// operator tooling.
package main

import "github.com/ppiankov/kalpana/internal/cli"

func main() {
	cli.Execute()
}
