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

// updated is the device-side firmware update daemon: it serves the PLDM
// firmware update responder over a stream binding, backed by an emulated
// flash device, a staging memory area and a software root-of-trust.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/mod/sumdb/note"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/chipsalliance/mcu-update-os/internal/softrot"
	"github.com/chipsalliance/mcu-update-os/manifest"
	"github.com/chipsalliance/mcu-update-os/mbox"
	"github.com/chipsalliance/mcu-update-os/partition"
	"github.com/chipsalliance/mcu-update-os/pldm"
	"github.com/chipsalliance/mcu-update-os/staging"
	"github.com/chipsalliance/mcu-update-os/update"
	"github.com/chipsalliance/mcu-update-os/verify"
)

var (
	configPath string
	format     bool
)

func init() {
	klog.InitFlags(nil)

	flag.StringVar(&configPath, "c", "updated.yaml", "configuration file")
	flag.BoolVar(&format, "format", false, "initialize the partition table and exit")
}

func main() {
	flag.Parse()

	if err := run(); err != nil {
		klog.Exitf("%v", err)
	}
}

func run() error {
	conf, err := LoadConfig(configPath)

	if err != nil {
		return err
	}

	flash, err := openFlash(conf.FlashPath, conf.FlashSize)

	if err != nil {
		return err
	}
	defer flash.Close()

	geo := partition.Geometry{
		TableOffset: conf.TableOffset,
		ImageOffset: [2]int64{conf.ImageOffsetA, conf.ImageOffsetB},
		ImageSize:   conf.ImageSize,
	}

	if format {
		if err := partition.Format(flash, geo, partition.A); err != nil {
			return err
		}

		klog.Infof("partition table initialized on %s", conf.FlashPath)

		return nil
	}

	partitions, err := partition.NewManager(flash, geo)

	if err != nil {
		return err
	}

	if partitions.Corrupt() {
		klog.Warningf("partition table corrupt, serving status only (use -format to reinitialize)")
	}

	rot, err := startRoT(conf)

	if err != nil {
		return err
	}

	mem := staging.NewMemory(conf.StagingSize, conf.StagingPhys)
	handler := update.NewDefaultHandler(mem, verify.New(rot), partitions, rot)

	info, err := deviceInfo(conf)

	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	l, err := net.Listen("tcp", conf.Listen)

	if err != nil {
		return err
	}

	klog.Infof("updated serving PLDM on %s, active partition %s",
		conf.Listen, partitions.CurrentActive())

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		l.Close()
		return nil
	})

	g.Go(func() error {
		return serve(ctx, l, handler, partitions, info, conf)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

// serve accepts Update Agent connections one at a time. The engine holds a
// single session, so concurrent agents queue on Accept.
func serve(ctx context.Context, l net.Listener, handler *update.DefaultHandler, partitions *partition.Manager, info update.DeviceInfo, conf *Config) error {
	for {
		conn, err := l.Accept()

		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}

		klog.Infof("Update Agent connected from %s", conn.RemoteAddr())

		r := update.NewResponder(
			pldm.NewBinding(conn),
			update.Handlers{},
			handler,
			partitions,
			info,
			update.Config{Timeout: conf.Timeout, ChunkSize: conf.ChunkSize},
		)

		if err := r.Start(ctx); err != nil {
			klog.Errorf("session ended: %v", err)
		}

		conn.Close()

		if ctx.Err() != nil {
			return nil
		}
	}
}

// startRoT runs the software root-of-trust on an in-process pipe and
// returns the update engine's command channel to it.
func startRoT(conf *Config) (mbox.Channel, error) {
	secret, err := os.ReadFile(conf.SecretPath)

	if err != nil {
		return nil, err
	}

	verifier, err := note.NewVerifier(conf.VendorKey)

	if err != nil {
		return nil, err
	}

	rot, err := softrot.New(secret, &fileStorage{path: conf.EpochPath}, verifier)

	if err != nil {
		return nil, err
	}

	klog.Infof("root-of-trust ready, anti-rollback epoch %d", rot.Epoch())

	engine, device := net.Pipe()

	go func() {
		if err := rot.Serve(device); err != nil {
			klog.Errorf("root-of-trust serve: %v", err)
		}
	}()

	return mbox.NewConn(engine), nil
}

func deviceInfo(conf *Config) (info update.DeviceInfo, err error) {
	uuid, err := hex.DecodeString(conf.UUID)

	if err != nil || len(uuid) != 16 {
		return info, errors.New("invalid device uuid")
	}

	info = update.DeviceInfo{
		Serial:          conf.Serial,
		ImageSetVersion: conf.Version,
	}
	copy(info.UUID[:], uuid)

	for _, c := range conf.Components {
		classification := c.Classification

		if classification == 0 {
			classification = manifest.ClassificationFirmware
		}

		info.Components = append(info.Components, pldm.ComponentParameter{
			Classification:        classification,
			Identifier:            c.Identifier,
			ActiveComparisonStamp: c.ComparisonStamp,
			ActiveVersion:         c.Version,
		})
	}

	return
}
