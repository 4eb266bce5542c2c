// SPDX-License-Identifier: MPL-2.0

package main

import cmd "github.com/invowk/wasmshim/cmd/wasmshim"

func main() {
	cmd.Execute()
}
