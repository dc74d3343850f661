/*
 * Copyright (c) 2025 rdnsd project
 */
package main

import (
	"github.com/kvarn/rdnsd/cmd/rdnsd/cmd"
	"github.com/kvarn/rdnsd/rdns"
)

const (
	appName    = "rdnsd"
	appVersion = "0.9.0"
	appDate    = "2025-11-20"
)

func main() {
	rdns.Globals.App.Name = appName
	rdns.Globals.App.Version = appVersion
	rdns.Globals.App.Date = appDate
	cmd.Execute()
}
