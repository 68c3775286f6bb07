package main

import "github.com/guimove/pvebalance/cmd"

func main() {
	cmd.Execute()
}
