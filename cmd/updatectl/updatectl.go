// Copyright 2026 The MCU Update OS authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// updatectl is the Update Agent command line tool: it queries the update
// engine status, drives complete firmware update sessions and assembles
// signed update packages.
package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"time"

	"k8s.io/klog/v2"

	"github.com/chipsalliance/mcu-update-os/pldm"
)

var (
	address    string
	timeout    time.Duration
	doStatus   bool
	doCancel   bool
	packageDir string
	signKey    string
)

func init() {
	klog.InitFlags(nil)

	flag.StringVar(&address, "a", "127.0.0.1:2347", "device address")
	flag.DurationVar(&timeout, "t", 30*time.Second, "response timeout")
	flag.BoolVar(&doStatus, "s", false, "get update engine status")
	flag.BoolVar(&doCancel, "c", false, "cancel an in-progress update session")
	flag.StringVar(&packageDir, "u", "", "update firmware from the given package directory")
	flag.StringVar(&signKey, "sign", "", "assemble and sign the package in -u with the given note private key file")
}

func main() {
	flag.Parse()

	if err := run(); err != nil {
		klog.Exitf("%v", err)
	}
}

func run() error {
	switch {
	case signKey != "":
		if packageDir == "" {
			return errors.New("-sign requires a package directory (-u)")
		}

		return signPackage(packageDir, signKey)
	case doStatus:
		return withAgent(status)
	case doCancel:
		return withAgent(func(a *Agent) error { return a.Cancel() })
	case packageDir != "":
		return withAgent(func(a *Agent) error {
			pkg, err := loadPackage(packageDir)

			if err != nil {
				return err
			}

			if err := a.Update(pkg, true); err != nil {
				return err
			}

			fmt.Println("firmware update complete")

			return nil
		})
	default:
		flag.Usage()
		return errors.New("no action specified")
	}
}

func withAgent(fn func(*Agent) error) error {
	conn, err := net.DialTimeout("tcp", address, timeout)

	if err != nil {
		return err
	}
	defer conn.Close()

	return fn(NewAgent(pldm.NewBinding(conn), timeout))
}

func status(a *Agent) error {
	s, err := a.Status()

	if err != nil {
		return err
	}

	res, params, err := a.Identify()

	if err != nil {
		// discovery is refused outside idle, the engine state alone is
		// still worth reporting
		klog.V(1).Infof("discovery unavailable: %v", err)

		fmt.Printf("Update state ...........: %s\n", pldm.StateName(s.CurrentState))
		fmt.Printf("Progress ...............: %d%%\n", s.ProgressPercent)

		return nil
	}

	fmt.Println("------------------------------------------------------- Update Engine ----")

	for _, d := range res.Descriptors {
		if d.Type == pldm.DescriptorUUID {
			fmt.Printf("Device UUID ............: %x\n", d.Data)
		}
	}

	fmt.Printf("Firmware version .......: %s\n", params.ActiveImageSetVersion)
	fmt.Printf("Update state ...........: %s\n", pldm.StateName(s.CurrentState))
	fmt.Printf("Progress ...............: %d%%\n", s.ProgressPercent)

	for _, c := range params.Components {
		fmt.Printf("Component %#-6x .......: %s (stamp %d)\n",
			c.Identifier, c.ActiveVersion, c.ActiveComparisonStamp)
	}

	return nil
}
