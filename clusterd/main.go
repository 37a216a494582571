package main

import (
	"runtime"

	"github.com/nemosupremo/brokercluster/cmd"
)

var (
	Version   = "--dev--"
	BuildTime = "--dev--"
)

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	cmd.Execute(Version)
}
