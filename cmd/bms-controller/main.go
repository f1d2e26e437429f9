/*
bms-controller - JBD battery management system monitoring over BLE.
Copyright (C) 2024, The Cacophony Project

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package main

import (
	"fmt"
	"os"

	"github.com/TheCacophonyProject/bms-controller/internal/btbattery"
	"github.com/TheCacophonyProject/bms-controller/internal/cellreport"
	"github.com/TheCacophonyProject/bms-controller/internal/logging"
	"github.com/TheCacophonyProject/bms-controller/internal/probe"
)

var log *logging.Logger

// Set at build time with -ldflags "-X main.version=...".
var version = "<not set>"

func main() {
	err := runMain()
	if err != nil {
		log.Fatal(err)
	}
}

func runMain() error {
	log = logging.NewLogger("info")
	if len(os.Args) < 2 {
		log.Info("Usage: bms-controller <daemon|cell-report|probe> [args]")
		return fmt.Errorf("no subcommand given")
	}

	subcommand := os.Args[1]
	args := os.Args[2:]

	var err error
	switch subcommand {
	case "daemon", "btbattery":
		err = btbattery.Run(args, version)
	case "cell-report":
		err = cellreport.Run(args, version)
	case "probe":
		err = probe.Run(args, version)
	default:
		err = fmt.Errorf("unknown subcommand: %s", subcommand)
	}

	return err
}
