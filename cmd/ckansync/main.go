package main

import "github.com/tansive/ckansync/internal/cli"

func main() {
	cli.Execute()
}
