/*
 * Copyright (c) 2025 rdnsd project
 */
package rdns

type AppDetails struct {
	Name    string
	Version string
	Date    string
}

type GlobalStuff struct {
	Verbose bool
	Debug   bool
	App     AppDetails
}

var Globals = GlobalStuff{
	Verbose: false,
	Debug:   false,
}
